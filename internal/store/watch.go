package store

import "context"

// Watch subscribes to q and maps each snapshot through fn, forwarding the
// results whose ok is true. The channel closes when ctx ends or cancel is
// called.
func Watch[T any](ctx context.Context, st Store, q Query, fn func(Snapshot) (T, bool)) (<-chan T, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := st.Subscribe(ctx, q)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan T, 1)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for snap := range sub.C {
			v, ok := fn(snap)
			if !ok {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
