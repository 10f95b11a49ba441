package config

import (
	"fmt"
	"strings"
)

// Warning codes for risky but valid configurations.
const (
	WarningPlaintextCredential = "plaintext_credential"
	WarningHoldWithoutRouting  = "admission_hold_without_routing"
	WarningWildcardAdminCORS   = "wildcard_admin_cors"
	WarningNoBudget            = "budget_alerts_without_limits"
)

// Warning describes a configuration that validates but deserves attention.
type Warning struct {
	Code    string
	Message string
}

// Warnings reports non-fatal configuration concerns. They are logged at
// startup and after each hot reload.
func (c *Config) Warnings() []Warning {
	var out []Warning

	for _, k := range c.Keys {
		if !strings.HasPrefix(k.Credential, "env://") && !strings.HasPrefix(k.Credential, "vault://") {
			out = append(out, Warning{
				Code:    WarningPlaintextCredential,
				Message: fmt.Sprintf("key %q carries a literal credential; prefer env:// or vault://", k.ID),
			})
		}
	}

	if c.Proxy.AdmissionHold.Enabled && !c.Routing.Enabled {
		out = append(out, Warning{
			Code:    WarningHoldWithoutRouting,
			Message: "admission_hold.enabled has no effect while routing is disabled",
		})
	}

	if c.CORS.Enabled && len(c.CORS.AdminOrigins) == 0 {
		for _, origin := range c.CORS.AllowedOrigins {
			if origin == "*" {
				out = append(out, Warning{
					Code:    WarningWildcardAdminCORS,
					Message: "cors allows any origin and no admin_origins restriction is set",
				})
				break
			}
		}
	}

	if c.Export.Webhook.Enabled && c.Budget.Daily == 0 && c.Budget.Monthly == 0 {
		out = append(out, Warning{
			Code:    WarningNoBudget,
			Message: "budget webhook is enabled but no budget limits are set; alerts will never fire",
		})
	}

	return out
}
