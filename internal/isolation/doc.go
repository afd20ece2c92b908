// Package isolation confines each backing-store connection to one goroutine.
//
// A Runner owns one Connection (normally a *store.Mapper) and executes every
// task against it on its own worker goroutine. Callers block in Submit until
// the task returns. Tasks compose with the wrappers in this package:
//
//	task := isolation.WithRetry(policy,
//	    isolation.InConnection(
//	        isolation.InTransaction(func(ctx context.Context, m *store.Mapper) (bool, error) {
//	            ...
//	        })))
//	ok, err := isolation.Submit(ctx, runner, task)
//
// Put WithRetry outermost so every attempt gets a fresh transaction.
package isolation
