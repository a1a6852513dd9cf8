package syncdomain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
)

func TestHighPriorityTask_IsEligible(t *testing.T) {
	now := time.Now().UTC()

	fresh := &syncdomain.HighPriorityTask{}
	assert.True(t, fresh.IsEligible())

	inProgress := &syncdomain.HighPriorityTask{}
	inProgress.MarkInProgress(now)
	assert.False(t, inProgress.IsEligible())

	done := &syncdomain.HighPriorityTask{}
	done.MarkDone(now)
	assert.False(t, done.IsEligible())
}

func TestHighPriorityTask_MarkInProgress(t *testing.T) {
	task := &syncdomain.HighPriorityTask{}
	now := time.Now().UTC()

	task.MarkInProgress(now)

	assert.True(t, task.InProgress)
	assert.Equal(t, now, *task.InProgressSince)
	assert.False(t, task.Processed)
}

func TestHighPriorityTask_MarkDone(t *testing.T) {
	task := &syncdomain.HighPriorityTask{}
	task.MarkInProgress(time.Now().UTC())

	now := time.Now().UTC()
	task.MarkDone(now)

	assert.True(t, task.Processed)
	assert.Equal(t, now, *task.ProcessedAt)
	assert.False(t, task.InProgress)
}

func TestHighPriorityTask_ResetInProgress(t *testing.T) {
	task := &syncdomain.HighPriorityTask{}
	first := time.Now().UTC().Add(-time.Hour)
	task.MarkInProgress(first)

	later := time.Now().UTC()
	task.ResetInProgress(later)

	assert.True(t, task.InProgress)
	assert.Equal(t, later, *task.InProgressSince)
	assert.False(t, task.Processed)
}

func TestIntegration_HasCredentials(t *testing.T) {
	cases := []struct {
		name     string
		provider syncdomain.Provider
		settings map[string]string
		want     bool
	}{
		{"xero complete", syncdomain.ProviderXero, map[string]string{"client_id": "a", "client_secret": "b"}, true},
		{"xero missing secret", syncdomain.ProviderXero, map[string]string{"client_id": "a"}, false},
		{"netsuite complete", syncdomain.ProviderNetSuite, map[string]string{"account_id": "a", "consumer_key": "b"}, true},
		{"toast missing api_url", syncdomain.ProviderToast, map[string]string{"client_id": "a", "client_secret": "b"}, false},
		{"toast complete", syncdomain.ProviderToast, map[string]string{"client_id": "a", "client_secret": "b", "api_url": "c"}, true},
		{"unknown provider", syncdomain.Provider("unknown"), map[string]string{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			integ := &syncdomain.Integration{Provider: tc.provider, Settings: tc.settings}
			assert.Equal(t, tc.want, integ.HasCredentials())
		})
	}
}
