package intel

import (
	"strings"
	"testing"
)

func TestDeriveClusterName_UsesSalientTerms(t *testing.T) {
	members := []Sample{
		{Message: "urgent loan approval pending", PatternFlags: []string{"loan"}},
		{Message: "loan disbursal urgent action", PatternFlags: []string{"loan"}},
		{Message: "pre-approved loan urgent offer", PatternFlags: []string{"loan"}},
	}

	name, keywords := DeriveClusterName(members, 1)

	if !strings.Contains(name, "Loan") {
		t.Errorf("Expected the dominant term in the name. Got: %s", name)
	}
	if len(keywords) == 0 || len(keywords) > 3 {
		t.Errorf("Expected 1-3 ranked keywords. Got: %v", keywords)
	}
	found := false
	for _, kw := range keywords {
		if kw == "loan" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'loan' among the keywords. Got: %v", keywords)
	}
}

func TestDeriveClusterName_NameIsTitleCasedAndDelimited(t *testing.T) {
	members := []Sample{
		{Message: "crypto invest doubling"},
		{Message: "crypto invest scheme"},
		{Message: "crypto invest returns"},
	}

	name, _ := DeriveClusterName(members, 1)

	for _, part := range strings.Split(name, " / ") {
		if part == "" || part[0] < 'A' || part[0] > 'Z' {
			t.Errorf("Expected title-cased name parts. Got: %s", name)
		}
	}
}

func TestDeriveClusterName_FallbackWhenUninformative(t *testing.T) {
	// Stopwords and single characters tokenize to nothing.
	members := []Sample{
		{Message: "to the a an"},
		{Message: ""},
	}

	name, keywords := DeriveClusterName(members, 4)

	if name != "Emerging Scam Cluster #4" {
		t.Errorf("Expected enumerated fallback name. Got: %s", name)
	}
	if keywords != nil {
		t.Errorf("Expected no keywords for the fallback. Got: %v", keywords)
	}
}

func TestTokenize_DropsStopwordsAndShortTokens(t *testing.T) {
	tokens := tokenize("Please verify your KYC by 5 pm!")

	for _, tok := range tokens {
		if englishStopwords[tok] {
			t.Errorf("Expected stopwords to be dropped. Got token: %s", tok)
		}
		if len(tok) < 2 {
			t.Errorf("Expected short tokens to be dropped. Got token: %s", tok)
		}
	}

	want := map[string]bool{"verify": true, "kyc": true, "pm": true}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("Unexpected token: %s", tok)
		}
	}
}
