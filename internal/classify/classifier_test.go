package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/employee/internal/plan"
)

type knownSet map[string]bool

func (k knownSet) Known(address string) bool {
	return k[strings.ToLower(strings.TrimSpace(address))]
}

func newTestClassifier(t *testing.T, cfg Config) *Classifier {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func flagTypes(flags []plan.Flag) []plan.FlagType {
	out := make([]plan.FlagType, 0, len(flags))
	for _, f := range flags {
		out = append(out, f.Type)
	}
	return out
}

func TestClassifyInvoiceToUnknownVendor(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	for _, typ := range []plan.Type{plan.TypeEmail, plan.TypeGeneral} {
		res, err := c.Classify(Request{
			Content:   "Please send $150 invoice to vendor@example.com",
			Type:      typ,
			Recipient: "vendor@example.com",
		}, knownSet{})
		require.NoError(t, err)
		require.Equal(t, []plan.FlagType{plan.FlagFinancial, plan.FlagPayment, plan.FlagNewContact}, flagTypes(res.Flags), "type %s", typ)
		require.Equal(t, plan.RiskHigh, res.Risk)
		require.True(t, res.RequiresApproval)
		require.InDelta(t, 150.0, res.Amount, 0.001)
	}
}

func TestClassifyQuickSyncWithKnownRecipient(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	res, err := c.Classify(Request{
		Content:   "Quick sync at 3pm tomorrow",
		Type:      plan.TypeGeneral,
		Recipient: "Sam@Example.com ",
	}, knownSet{"sam@example.com": true})
	require.NoError(t, err)
	require.Empty(t, res.Flags)
	require.False(t, res.RequiresApproval)
	require.Equal(t, plan.RiskLow, res.Risk)
}

func TestClassifyThresholdsAreIndependentPerProfile(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	content := "The garden estimate came to $75 in total"

	general, err := c.Classify(Request{Content: content, Type: plan.TypeGeneral}, nil)
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagFinancial}, flagTypes(general.Flags))

	email, err := c.Classify(Request{Content: content, Type: plan.TypeEmail}, nil)
	require.NoError(t, err)
	require.Empty(t, email.Flags)

	custom := newTestClassifier(t, Config{ActionThreshold: 80, EmailThreshold: 70})
	require.Equal(t, 80.0, custom.Threshold(ProfileAction))
	require.Equal(t, 70.0, custom.Threshold(ProfileEmail))
	res, err := custom.Classify(Request{Content: content, Type: plan.TypeEmail}, nil)
	require.NoError(t, err)
	require.True(t, plan.HasFlag(res.Flags, plan.FlagFinancial))
}

func TestClassifyAmountsAreSummedOnce(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	cases := []struct {
		content string
		want    float64
	}{
		{"lunch was $20 and the taxi $35", 55},
		{"that is $60 dollars", 60},
		{"roughly $2 thousand", 2000},
		{"a $1.5 million round", 1500000},
		{"EUR 40 plus 15 USD", 55},
		{"budget of 1,200 for the trip", 1200},
		{"nothing monetary here", 0},
	}
	for _, tc := range cases {
		res, err := c.Classify(Request{Content: tc.content, Type: plan.TypeGeneral}, nil)
		require.NoError(t, err, tc.content)
		require.InDelta(t, tc.want, res.Amount, 0.001, tc.content)
	}
}

func TestClassifyLinkedInPostAlwaysFlagged(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	res, err := c.Classify(Request{Type: plan.TypeLinkedInPost}, nil)
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagLinkedInPost}, flagTypes(res.Flags))
	require.Equal(t, plan.SeverityMedium, res.Flags[0].Severity)
	require.True(t, res.RequiresApproval)
	require.Equal(t, plan.RiskLow, res.Risk)
}

func TestClassifyKeywordFamilies(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	res, err := c.Classify(Request{
		Content: "This is CONFIDENTIAL: the contract covers salary changes.",
		Type:    plan.TypeGeneral,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagConfidential, plan.FlagLegal, plan.FlagHRSensitive}, flagTypes(res.Flags))
	require.Equal(t, plan.RiskHigh, res.Risk)
	require.Contains(t, res.Flags[0].Reason, "confidential")
}

func TestClassifyEmailProfileHasExtraVocabulary(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	general, err := c.Classify(Request{Content: "Looping in my attorney", Type: plan.TypeGeneral}, nil)
	require.NoError(t, err)
	require.Empty(t, general.Flags)

	email, err := c.Classify(Request{Content: "Looping in my attorney", Type: plan.TypeEmail}, nil)
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagLegal}, flagTypes(email.Flags))
	require.Equal(t, ProfileEmail, email.Profile)
}

func TestClassifyMalformedInputFailsSafe(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	cases := []Request{
		{Content: "bad \xff bytes", Type: plan.TypeGeneral},
		{Content: "nul\x00byte", Type: plan.TypeGeneral},
		{Content: "fine", Type: plan.Type("fax")},
		{Content: "fine", Type: plan.TypeEmail, Recipient: "two words@example.com"},
	}
	for _, req := range cases {
		res, err := c.Classify(req, nil)
		var cerr *ClassificationError
		require.True(t, errors.As(err, &cerr), "expected ClassificationError for %+v, got %v", req, err)
		require.True(t, res.RequiresApproval)
		require.True(t, res.Failed)
		require.Equal(t, plan.RiskHigh, res.Risk)
	}
}

func TestClassifyExtensionsAndCustomRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Extensions = []Extension{{Flag: plan.FlagConfidential, Keywords: []string{"skunk works"}}}
	cfg.Rules = []CustomRule{{
		Name:     "wire-to-new-contact",
		Flag:     plan.FlagPayment,
		Severity: plan.SeverityHigh,
		Reason:   "Wire instructions sent to an unknown recipient",
		Expr:     `content.contains("wire") && !known_recipient`,
		Types:    []plan.Type{plan.TypeEmail},
	}}
	c := newTestClassifier(t, cfg)

	res, err := c.Classify(Request{Content: "Update on the Skunk  Works build", Type: plan.TypeGeneral}, nil)
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagConfidential}, flagTypes(res.Flags))

	res, err = c.Classify(Request{Content: "Here are the wire details", Type: plan.TypeEmail, Recipient: "new@example.com"}, knownSet{})
	require.NoError(t, err)
	require.Equal(t, []plan.FlagType{plan.FlagNewContact, plan.FlagPayment}, flagTypes(res.Flags))

	res, err = c.Classify(Request{Content: "Here are the wire details", Type: plan.TypeGeneral}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Flags)
}

func TestNewRejectsBadRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []CustomRule{{Name: "not-bool", Flag: plan.FlagLegal, Severity: plan.SeverityHigh, Expr: `amount + 1.0`}}
	_, err := New(cfg)
	require.Error(t, err)

	cfg.Rules = []CustomRule{{Name: "bad-flag", Flag: "spam", Severity: plan.SeverityHigh, Expr: `true`}}
	_, err = New(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Extensions = []Extension{{Flag: plan.FlagNewContact, Keywords: []string{"hello"}}}
	_, err = New(cfg)
	require.Error(t, err)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := newTestClassifier(t, DefaultConfig())
	req := Request{Content: "Refund the $300 fee per the agreement", Type: plan.TypeEmail, Recipient: "x@y.z"}
	first, err := c.Classify(req, knownSet{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Classify(req, knownSet{})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
