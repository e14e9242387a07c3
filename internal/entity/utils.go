package entity

type Option[T any] struct {
	Value T
	None  bool
}

// Some returns an option holding v.
func Some[T any](v T) Option[T] {
	return Option[T]{Value: v}
}

// None returns an empty option.
func None[T any]() Option[T] {
	return Option[T]{None: true}
}

type Pair[S, T any] struct {
	Name  S
	Value T
}
