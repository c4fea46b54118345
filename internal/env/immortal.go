package env

import "context"

type immortal struct{ origin Environments }

type immortalEnv struct{ Environment }

// Immortal wraps origin so that closing an acquired environment leaves
// the resource running.  Useful for debugging a build against the
// machine it ran on.
func Immortal(origin Environments) Environments {
	return immortal{origin: origin}
}

func (i immortal) Acquire(ctx context.Context) (Environment, error) {
	e, err := i.origin.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return immortalEnv{e}, nil
}

// Close does nothing.
func (immortalEnv) Close(context.Context) error { return nil }
