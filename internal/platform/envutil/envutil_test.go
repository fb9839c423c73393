package envutil

import "testing"

func TestInt(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_INT", " 42 ")
	if got := Int("ENVUTIL_TEST_INT", 7); got != 42 {
		t.Fatalf("Int = %d, want 42", got)
	}
	t.Setenv("ENVUTIL_TEST_INT", "not-a-number")
	if got := Int("ENVUTIL_TEST_INT", 7); got != 7 {
		t.Fatalf("Int = %d, want default 7", got)
	}
	t.Setenv("ENVUTIL_TEST_INT", "")
	if got := Int("ENVUTIL_TEST_INT", 7); got != 7 {
		t.Fatalf("Int = %d, want default 7", got)
	}
}

func TestPositiveInt(t *testing.T) {
	t.Setenv("ENVUTIL_TEST_POS", "25")
	if got := PositiveInt("ENVUTIL_TEST_POS", 10); got != 25 {
		t.Fatalf("PositiveInt = %d, want 25", got)
	}
	t.Setenv("ENVUTIL_TEST_POS", "0")
	if got := PositiveInt("ENVUTIL_TEST_POS", 10); got != 10 {
		t.Fatalf("PositiveInt = %d, want default 10", got)
	}
	t.Setenv("ENVUTIL_TEST_POS", "-3")
	if got := PositiveInt("ENVUTIL_TEST_POS", 10); got != 10 {
		t.Fatalf("PositiveInt = %d, want default 10", got)
	}
}
