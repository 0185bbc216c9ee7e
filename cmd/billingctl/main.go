// billingctl is the operator CLI for the metering engine.
//
// Usage:
//
//	# Create or upgrade the schema
//	billingctl migrate
//
//	# Reset due allowances now, and retry stuck payment events
//	billingctl sweep --events
//
//	# Re-apply one stored gateway event
//	billingctl replay-event evt_123
//
//	# Print the billing state of an account
//	billingctl status acct_42
package main

func main() {
	Execute()
}
