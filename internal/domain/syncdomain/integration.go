// Package syncdomain holds the entities shared by the dispatch, worker and
// monitor layers: organizations' provider integrations, high-priority task
// requests and the append-only sync log.
package syncdomain

// Provider identifies one of the three supported external data sources.
type Provider string

const (
	ProviderXero     Provider = "xero"
	ProviderNetSuite Provider = "netsuite"
	ProviderToast    Provider = "toast"
)

// Integration is one organization's credentials and settings for a single
// provider. Settings holds provider-specific keys (client_id/client_secret
// for Xero, account_id/consumer_key for NetSuite, client_id/client_secret/
// api_url for Toast) so a new provider can be onboarded without a schema
// migration.
type Integration struct {
	ID       string
	OrgID    string
	Provider Provider
	Active   bool
	Settings map[string]string
}

// HasCredentials reports whether the integration carries the settings keys
// required to talk to its provider. The org sync worker checks it before
// enqueuing an integration's pipeline, and the token-refresh sweep before
// refreshing an integration's token.
func (i *Integration) HasCredentials() bool {
	required := RequiredSettingsFor(i.Provider)
	for _, key := range required {
		if i.Settings[key] == "" {
			return false
		}
	}
	return true
}

// RequiredSettingsFor returns the settings keys a provider's integration
// must carry before it is eligible for dispatch.
func RequiredSettingsFor(p Provider) []string {
	switch p {
	case ProviderToast:
		return []string{"client_id", "client_secret", "api_url"}
	case ProviderXero:
		return []string{"client_id", "client_secret"}
	case ProviderNetSuite:
		return []string{"account_id", "consumer_key"}
	default:
		return nil
	}
}
