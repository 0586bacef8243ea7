// Package groutine starts named goroutines that show up labelled in pprof profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn in a goroutine labelled with name and returns a channel that is
// closed once fn returns. A nil parent context means context.Background().
//
//	done := groutine.Go(ctx, "hub-dispatch", func(ctx context.Context) { ... })
//	<-done
func Go(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parent == nil {
		parent = context.Background()
	}

	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, nameKey, name))
	})

	return done
}

// Name returns the name a goroutine was started with, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey).(string)
	return name
}
