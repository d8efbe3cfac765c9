package backup

import "iter"

// MapSeq lazily applies f to every value of seq. An error from f is yielded
// in place of the value; upstream errors pass through.
func MapSeq[T, U any](seq iter.Seq2[T, error], f func(T) (U, error)) iter.Seq2[U, error] {
	return func(yield func(U, error) bool) {
		for v, err := range seq {
			var zero U
			if err != nil {
				if !yield(zero, err) {
					return
				}
				continue
			}
			if !yield(f(v)) {
				return
			}
		}
	}
}

// FilterSeq lazily drops values for which keep returns false. Errors always
// pass through.
func FilterSeq[T any](seq iter.Seq2[T, error], keep func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err == nil && !keep(v) {
				continue
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

// FlatMapSeq lazily expands every value of seq into the sequence returned by
// f.
func FlatMapSeq[T, U any](seq iter.Seq2[T, error], f func(T) iter.Seq2[U, error]) iter.Seq2[U, error] {
	return func(yield func(U, error) bool) {
		for v, err := range seq {
			if err != nil {
				var zero U
				if !yield(zero, err) {
					return
				}
				continue
			}
			for u, err := range f(v) {
				if !yield(u, err) {
					return
				}
			}
		}
	}
}

// TapSeq calls f on every value as it is pulled, before it is passed on.
func TapSeq[T any](seq iter.Seq2[T, error], f func(T)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err == nil {
				f(v)
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

// SliceSeq yields the values of s with no errors.
func SliceSeq[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range s {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// CollectSeq drains seq, stopping at the first error.
func CollectSeq[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
