package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"valid email", EmailJob{Email: "a@example.com"}, false},
		{"empty email", EmailJob{Email: "  "}, true},
		{"email without at sign", EmailJob{Email: "example.com"}, true},
		{"lone at sign", EmailJob{Email: "@"}, true},
		{"missing domain", EmailJob{Email: "a@"}, true},
		{"domain without dot", EmailJob{Email: "x@y"}, true},
		{"several at signs", EmailJob{Email: "@@@"}, true},
		{"space in local part", EmailJob{Email: "not an email@"}, true},
		{"valid marketing email", MarketingEmailJob{Email: "b@example.com"}, false},
		{"empty marketing email", MarketingEmailJob{}, true},
		{"malformed marketing email", MarketingEmailJob{Email: "b@"}, true},
		{"valid report", ReportJob{ReportID: "r-1"}, false},
		{"empty report id", ReportJob{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	submitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		job  Job
	}{
		{"email", EmailJob{Email: "a@example.com"}},
		{"marketing", MarketingEmailJob{Email: "b@example.com"}},
		{"report", ReportJob{ReportID: "r-42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope("job-1", tt.job, submitted)
			require.NoError(t, err)
			assert.Equal(t, tt.job.Class(), env.Class)

			body, err := env.Marshal()
			require.NoError(t, err)

			decoded, err := DecodeEnvelope(body)
			require.NoError(t, err)
			assert.Equal(t, "job-1", decoded.ID)
			assert.True(t, submitted.Equal(decoded.SubmittedAt))

			job, err := decoded.Job()
			require.NoError(t, err)
			assert.Equal(t, tt.job, job)
		})
	}
}

func TestNewEnvelope_InvalidJob(t *testing.T) {
	env, err := NewEnvelope("job-1", EmailJob{}, time.Now())
	assert.Nil(t, env)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not json", `{broken`, ErrInvalidPayload},
		{"missing id", `{"class":"email","payload":{"email":"a@b.c"}}`, ErrInvalidPayload},
		{"unknown class", `{"id":"1","class":"sms","payload":{}}`, ErrUnknownJobClass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			assert.Nil(t, env)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEnvelope_JobInvalidPayload(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"id":"1","class":"report","payload":{"reportId":""}}`))
	require.NoError(t, err)

	job, err := env.Job()
	assert.Nil(t, job)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("smtp down")

	transient := NewTransientError("job-1", ClassEmail, 2, cause)
	assert.ErrorIs(t, transient, cause)
	assert.Contains(t, transient.Error(), "attempt 2")

	var te *TransientError
	require.ErrorAs(t, transient, &te)
	assert.Equal(t, ClassEmail, te.Class)

	exhausted := &ExhaustedRetriesError{JobID: "job-1", Class: ClassReport, Attempts: 5, MaxAttempts: 5, LastErr: transient}
	assert.ErrorIs(t, exhausted, cause)
	assert.Contains(t, exhausted.Error(), "5/5")
}

func TestJobClass_Valid(t *testing.T) {
	for _, c := range Classes() {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, JobClass("sms").Valid())
}
