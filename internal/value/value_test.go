package value

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type caseFoldEqualer string

func (c caseFoldEqualer) Equal(other any) bool {
	o, ok := other.(caseFoldEqualer)
	if !ok {
		return false
	}
	if len(c) != len(o) {
		return false
	}
	for i := 0; i < len(c); i++ {
		a, b := c[i], o[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil both", nil, nil, true},
		{"nil one", nil, 1, false},
		{"ints equal", 42, 42, true},
		{"ints differ", 42, 43, false},
		{"slices deep equal", []int{1, 2}, []int{1, 2}, true},
		{"slices differ", []int{1, 2}, []int{2, 1}, false},
		{"equaler used", caseFoldEqualer("Abc"), caseFoldEqualer("aBC"), true},
		{"equaler mismatch", caseFoldEqualer("abc"), caseFoldEqualer("abd"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Equal(tc.a, tc.b))
		})
	}
}

func TestContentEqual_TagIncluded(t *testing.T) {
	require.True(t, ContentEqual(Content{Type: 1, Value: "x"}, Content{Type: 1, Value: "x"}))
	require.False(t, ContentEqual(Content{Type: 1, Value: "x"}, Content{Type: 2, Value: "x"}))
	require.False(t, ContentEqual(Content{Type: 1, Value: "x"}, Content{Type: 1, Value: "y"}))
}

func TestResultEqual(t *testing.T) {
	okA := Ok(SlotOf(1, 0))
	okB := Ok(SlotOf(1, 0))
	okC := Ok(SlotOf(1, 1))
	require.True(t, ResultEqual(okA, okB))
	require.False(t, ResultEqual(okA, okC))

	// Failures compare by message: a rerun failing identically is unchanged.
	failA := Fail(errors.New("boom"))
	failB := Fail(errors.New("boom"))
	failC := Fail(errors.New("other"))
	require.True(t, ResultEqual(failA, failB))
	require.False(t, ResultEqual(failA, failC))
	require.False(t, ResultEqual(okA, failA))
}

func TestRef_Shapes(t *testing.T) {
	require.True(t, Ref{}.IsZero())
	require.False(t, OutputOf(3).IsZero())
	require.Equal(t, Ref{Kind: TaskOutputRef, Task: 3}, OutputOf(3))
	require.Equal(t, Ref{Kind: TaskSlotRef, Task: 3, Index: 2}, SlotOf(3, 2))
}
