// Package plans holds the plan catalog: credit allotments, billing intervals,
// priority ranks and the provider price ids used at checkout.
//
// Lookups never fail. An unknown key resolves to the default plan's
// definition and to the lowest priority, so plans retired at the provider or
// added before a deploy cannot block reconciliation or downgrade checks.
//
// A catalog may be loaded from YAML and hot reloaded:
//
//	holder := plans.NewHolder(initial, "/etc/logoforge/plans.yaml", prices, logger, metrics)
//	go holder.Watch(ctx)
//	def := holder.Current().DefinitionOf(plans.KeyProYearly)
package plans
