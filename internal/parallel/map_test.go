package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/garakd/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	tCtx := func(t *testing.T) context.Context {
		return t.Context()
	}
	tmout1s := func(t *testing.T) context.Context {
		ctx, cancel := context.WithTimeout(t.Context(), 1*time.Second)
		t.Cleanup(cancel)
		return ctx
	}

	var testCases = []struct {
		scenario string
		given    given
		then     time.Duration
	}{
		{"limit 1", given{1, tCtx}, 18 * time.Second},
		{"limit 10", given{10, tCtx}, 10 * time.Second},
		{"limit 0 is 1", given{0, tCtx}, 18 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(parallel.Slice(input))
				require.ElementsMatch(t, expected, values(m1))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		synctest.Test(t, func(t *testing.T) {
			start := time.Now()
			sleep := func(ctx context.Context, d time.Duration) (int, error) {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-time.After(d):
					return int(d), nil
				}
			}
			m1 := parallel.NewMap(tmout1s(t), 1, sleep).Iter(parallel.Slice(input[1:]))
			require.Empty(t, values(m1))
			require.Equal(t, 1*time.Second, time.Since(start))
		})
	})
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	input := func(yield func(string, error) bool) {
		for _, s := range []string{"a", "", "b"} {
			var err error
			if s == "" {
				err = boom
			}
			if !yield(s, err) {
				return
			}
		}
	}
	upper := func(_ context.Context, s string) (string, error) {
		if s == "b" {
			return "", errors.New("bad b")
		}
		return s + s, nil
	}

	var got []string
	var errs []string
	for d, err := range parallel.NewMap(t.Context(), 2, upper).Iter(input) {
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		got = append(got, d)
	}
	require.Equal(t, []string{"aa"}, got)
	require.ElementsMatch(t, []string{"boom", "bad b"}, errs)
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		identity := func(_ context.Context, i int) (int, error) { return i, nil }
		input := make([]int, 100)
		for i := range input {
			input[i] = i
		}
		n := 0
		for range parallel.NewMap(t.Context(), 4, identity).Iter(parallel.Slice(input)) {
			n++
			if n == 3 {
				break
			}
		}
		require.Equal(t, 3, n)
	})
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
