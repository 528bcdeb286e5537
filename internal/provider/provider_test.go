package provider_test

import (
	"testing"

	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_OutcomeCodes(t *testing.T) {
	cases := []struct {
		code string
		want models.EventOutcome
	}{
		{"00", models.OutcomeSuccess},
		{"SUCCESS", models.OutcomeSuccess},
		{"approved", models.OutcomeSuccess},
		{"02", models.OutcomeFailure},
		{"DECLINED", models.OutcomeFailure},
		{"cancelled", models.OutcomeFailure},
		{"09", models.OutcomeUnknown},
		{"PROCESSING", models.OutcomeUnknown},
		{"", models.OutcomeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			ev := provider.Normalize(&provider.StatusPayload{
				CorrelationToken: "CHK-1",
				OutcomeCode:      tc.code,
			}, models.SourceCallback)
			assert.Equal(t, tc.want, ev.Outcome)
			assert.Equal(t, "CHK-1", ev.CorrelationToken)
			assert.Equal(t, models.SourceCallback, ev.Source)
		})
	}
}

func TestNormalize_Metadata(t *testing.T) {
	ev := provider.Normalize(&provider.StatusPayload{
		CorrelationToken:  "CHK-1",
		OutcomeCode:       "00",
		ResultDescription: "paid in full",
		MetadataItems: []provider.MetadataItem{
			{Name: provider.MetaReceiptReference, Value: "MPR-9"},
			{Name: provider.MetaConfirmedAmount, Value: "2500"},
			{Name: "channel", Value: "ussd"},
		},
	}, models.SourcePoll)

	assert.Equal(t, models.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, "MPR-9", ev.ProviderRef)
	assert.Equal(t, "paid in full", ev.Detail)
	require.NotNil(t, ev.ConfirmedAmount)
	assert.Equal(t, int64(2500), *ev.ConfirmedAmount)
}

func TestNormalize_BadConfirmedAmountIgnored(t *testing.T) {
	ev := provider.Normalize(&provider.StatusPayload{
		CorrelationToken: "CHK-1",
		OutcomeCode:      "00",
		MetadataItems: []provider.MetadataItem{
			{Name: provider.MetaConfirmedAmount, Value: "not-a-number"},
		},
	}, models.SourceCallback)
	assert.Nil(t, ev.ConfirmedAmount)
}
