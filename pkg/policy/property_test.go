package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Veridian-Labs/veridian/core/pkg/contracts"
)

// TestDenyBeatsAllowProperty: whenever an unconditional deny rule applies to
// a request, the outcome is deny no matter how many allow rules also apply.
func TestDenyBeatsAllowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	identGen := gen.RegexMatch(`[a-z]{1,8}:[a-z0-9]{1,8}`)

	properties.Property("deny overrides any number of allows", prop.ForAll(
		func(principal, resource string, allowCount uint8) bool {
			e := New(Options{})
			for i := uint8(0); i < allowCount%8; i++ {
				if _, err := e.AddRule(contracts.PolicyRule{
					Effect:    contracts.EffectAllow,
					Principal: "*",
					Resource:  "*",
				}); err != nil {
					return false
				}
			}
			if _, err := e.AddRule(contracts.PolicyRule{
				Effect:    contracts.EffectDeny,
				Principal: principal,
				Resource:  resource,
			}); err != nil {
				return false
			}
			return !e.Evaluate(EvaluationContext{Principal: principal, Resource: resource}).Allowed
		},
		identGen,
		identGen,
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
