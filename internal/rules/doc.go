// Package rules implements shelf's authorization model.
//
// Two distinct rule sets are kept per collection:
//   - Database rules decide get, list, create, update and delete for the
//     request path. A list rule may return extra filters, which the caller
//     ANDs into the query ("a user only sees their own files").
//   - Broadcast rules decide whether a viewer may observe a row's changes at
//     all. The broadcast router consults them once per subscription per
//     change event, so they must be cheap and must not touch the store.
//
// Both sets are static tables resolved once at startup (see
// internal/compiler). Evaluation fails closed: errors and panics deny.
package rules
