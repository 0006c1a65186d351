package generic

import "math/rand"

func Filter[T any](s []T, f func(T) bool) []T {
	var res []T
	for _, v := range s {
		if f(v) {
			res = append(res, v)
		}
	}
	return res
}

func Map[T, R any](s []T, f func(T) R) []R {
	res := make([]R, len(s))
	for i, v := range s {
		res[i] = f(v)
	}
	return res
}

func Shuffle[T any](s []T) {
	rand.Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
}
