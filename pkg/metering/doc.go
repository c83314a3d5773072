// Package metering normalizes provider usage into a single reference-currency cost.
//
// Cost is input_units × input_price + output_units × output_price. The raw
// cost, never a per-provider multiplier, is what counts against a plan
// allowance. Converter maps costs to round display units (500,000 per dollar
// by default) for user-facing figures only.
//
// Recording a UsageEvent together with the subscription counter increment is
// done by the billing engine inside one account transaction.
package metering
