package service

func Filter[T any](items []T, fn func(T) bool) []T {
	var result []T
	for _, v := range items {
		if fn(v) {
			result = append(result, v)
		}
	}
	return result
}
