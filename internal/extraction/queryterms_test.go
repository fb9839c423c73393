package extraction

import (
	"reflect"
	"testing"
)

func TestQueryTerms(t *testing.T) {
	ex := newTestExtractor(t)

	got := ex.QueryTerms("Tell me about Acme Corp")
	want := []string{"acme", "corp", "acme corp"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("QueryTerms = %v, want %v", got, want)
	}
}

func TestQueryTermsPhrases(t *testing.T) {
	ex := newTestExtractor(t)

	got := ex.QueryTerms("What is Project X status?")
	want := []string{"project", "status", "project x"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("QueryTerms = %v, want %v", got, want)
	}
}

func TestQueryTermsStopWordsOnly(t *testing.T) {
	ex := newTestExtractor(t)

	if got := ex.QueryTerms("what is the and for"); len(got) != 0 {
		t.Fatalf("QueryTerms = %v, want none", got)
	}
	if got := ex.QueryTerms(""); len(got) != 0 {
		t.Fatalf("QueryTerms = %v, want none", got)
	}
}

func TestQueryTermsDedup(t *testing.T) {
	ex := newTestExtractor(t)

	got := ex.QueryTerms("kubernetes, Kubernetes, KUBERNETES")
	if !reflect.DeepEqual(got, []string{"kubernetes"}) {
		t.Fatalf("QueryTerms = %v", got)
	}
}
