// Package tollgate provides the billing core for per-minute metered
// sessions between customers and operators.
//
// Tollgate is a library first. The engine resolves an operator's rates,
// spends the customer's free minutes before money, debits a prepaid
// balance, and records every charge in an append-only journal split
// between the operator and the platform. Every money movement runs in a
// store transaction, so a customer's balance can never go negative and a
// session is never billed twice.
//
// # Quick Start
//
//	engine := tollgate.New(memory.New())
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
//	_ = engine.UpsertOperator(ctx, &rate.Operator{
//	    ID:     "op_1",
//	    Active: true,
//	    Plan:   rate.Plan{RatePerMinute: tollgate.USD(399), ConnectFee: tollgate.USD(99)},
//	})
//	_ = engine.OpenAccount(ctx, &balance.Account{CustomerID: "cust_1", Balance: tollgate.USD(1000)})
//
//	res, err := engine.StartSession(ctx, tollgate.StartRequest{CustomerID: "cust_1", OperatorID: "op_1"})
//
// # Session lifecycle
//
// A session moves initiated → ringing → answered → ended, or to failed
// from any non-terminal state. Provider callbacks arrive through
// HandleEvent; duplicates and late events are acknowledged without effect.
//
//   - Paid sessions are charged once at the end: the connect fee plus every
//     started minute, rounded up.
//   - Sessions with free minutes reserve all of them at start and pay the
//     connect fee immediately. Unused minutes go back when the session ends.
//   - Failed sessions refund the connect fee and every reserved minute.
//
// # Money
//
// Amounts are int64 minor units tagged with a lowercase ISO currency. The
// default split pays 80% of every charge to the operator; the platform
// receives the remainder so that the two shares always sum to the total.
//
// # Stores
//
// store/memory serves tests and single-process deployments. store/postgres
// and store/mongo are the durable backends; both pass the storetest
// conformance suite.
//
// # TypeID
//
// Sessions and journal entries use TypeIDs:
//
//	sess_01h2xcejqtf2nbrexx3vqjhp41  // Session ID
//	txn_01h455vb4pex5vsknk084sn02q   // Journal entry ID
package tollgate
