package aws

import (
	"context"
	"strconv"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	typesACM "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// fakeACM returns one certificate per list page.
type fakeACM struct {
	certs     []*typesACM.CertificateDetail
	requested []*acm.RequestCertificateInput
	deleted   []string
}

func (f *fakeACM) ListCertificates(ctx context.Context, in *acm.ListCertificatesInput, _ ...func(*acm.Options)) (*acm.ListCertificatesOutput, error) {
	var live []*typesACM.CertificateDetail
	for _, c := range f.certs {
		for _, s := range in.CertificateStatuses {
			if c.Status == s {
				live = append(live, c)
			}
		}
	}
	start := 0
	if in.NextToken != nil {
		start, _ = strconv.Atoi(*in.NextToken)
	}
	out := &acm.ListCertificatesOutput{}
	if start < len(live) {
		c := live[start]
		out.CertificateSummaryList = []typesACM.CertificateSummary{{CertificateArn: c.CertificateArn, DomainName: c.DomainName}}
	}
	if start+1 < len(live) {
		out.NextToken = awssdk.String(strconv.Itoa(start + 1))
	}
	return out, nil
}

func (f *fakeACM) DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, _ ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	for _, c := range f.certs {
		if awssdk.ToString(c.CertificateArn) == awssdk.ToString(in.CertificateArn) {
			return &acm.DescribeCertificateOutput{Certificate: c}, nil
		}
	}
	return nil, apiError("ResourceNotFoundException")
}

func (f *fakeACM) RequestCertificate(ctx context.Context, in *acm.RequestCertificateInput, _ ...func(*acm.Options)) (*acm.RequestCertificateOutput, error) {
	f.requested = append(f.requested, in)
	arn := "arn:aws:acm:us-east-1:123:certificate/" + strconv.Itoa(len(f.certs)+1)
	f.certs = append(f.certs, &typesACM.CertificateDetail{
		CertificateArn: awssdk.String(arn),
		DomainName:     in.DomainName,
		Status:         typesACM.CertificateStatusPendingValidation,
		DomainValidationOptions: []typesACM.DomainValidation{{
			DomainName: in.DomainName,
			ResourceRecord: &typesACM.ResourceRecord{
				Name:  awssdk.String("_x1." + awssdk.ToString(in.DomainName) + "."),
				Type:  typesACM.RecordTypeCname,
				Value: awssdk.String("_x2.acm-validations.aws."),
			},
		}},
	})
	return &acm.RequestCertificateOutput{CertificateArn: awssdk.String(arn)}, nil
}

func (f *fakeACM) DeleteCertificate(ctx context.Context, in *acm.DeleteCertificateInput, _ ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error) {
	arn := awssdk.ToString(in.CertificateArn)
	f.deleted = append(f.deleted, arn)
	kept := f.certs[:0]
	for _, c := range f.certs {
		if awssdk.ToString(c.CertificateArn) != arn {
			kept = append(kept, c)
		}
	}
	f.certs = kept
	return &acm.DeleteCertificateOutput{}, nil
}

func TestCertificate_Lifecycle(t *testing.T) {
	ctx := context.Background()
	api := &fakeACM{}
	ctrl := reconcile.NewController(NewCertificate(api))

	def := ir.Definition{
		"name":             "api.example.com",
		"alternativeNames": []any{"www.example.com"},
	}

	state, err := ctrl.Invoke(ctx, def, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	arn := "arn:aws:acm:us-east-1:123:certificate/1"
	assert.Equal(t, arn, state.ID)
	require.Len(t, api.requested, 1)
	in := api.requested[0]
	assert.Equal(t, typesACM.ValidationMethodDns, in.ValidationMethod)
	assert.Equal(t, []string{"www.example.com"}, in.SubjectAlternativeNames)
	assert.Len(t, awssdk.ToString(in.IdempotencyToken), 32)

	// The validation record is available before the certificate is issued.
	assert.Equal(t, map[string]any{
		"Name":  "_x1.api.example.com.",
		"Type":  "CNAME",
		"Value": "_x2.acm-validations.aws.",
	}, state.Fields["ValidationRecord"])
	assert.Empty(t, state.Outputs)

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	assert.True(t, fault.Is(err, fault.NotReady))

	api.certs[0].Status = typesACM.CertificateStatusIssued
	api.certs[0].NotAfter = awssdk.Time(time.Date(2027, 10, 1, 0, 0, 0, 0, time.UTC))
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionCheckReadiness)
	require.NoError(t, err)
	assert.True(t, state.Ready())
	assert.Equal(t, arn, state.Outputs["arn"])
	assert.Equal(t, "2027-10-01T00:00:00Z", state.Outputs["notAfter"])

	// Nothing is watched, so a changed definition never reaches Update.
	def["alternativeNames"] = []any{"www.example.com", "app.example.com"}
	state, err = ctrl.Invoke(ctx, def, state, ir.ActionUpdate)
	require.NoError(t, err)
	assert.Len(t, api.requested, 1)

	state, err = ctrl.Invoke(ctx, def, state, ir.ActionDelete)
	require.NoError(t, err)
	assert.True(t, state.IsEmpty())
	assert.Equal(t, []string{arn}, api.deleted)
}

func TestCertificate_AdoptsLiveCertificateAcrossPages(t *testing.T) {
	api := &fakeACM{certs: []*typesACM.CertificateDetail{
		{CertificateArn: awssdk.String("arn:old"), DomainName: awssdk.String("shop.example.com"), Status: typesACM.CertificateStatusExpired},
		{CertificateArn: awssdk.String("arn:other"), DomainName: awssdk.String("blog.example.com"), Status: typesACM.CertificateStatusIssued},
		{CertificateArn: awssdk.String("arn:live"), DomainName: awssdk.String("shop.example.com"), Status: typesACM.CertificateStatusIssued},
	}}
	ctrl := reconcile.NewController(NewCertificate(api))

	state, err := ctrl.Invoke(context.Background(), ir.Definition{"name": "shop.example.com"}, ir.State{}, ir.ActionCreate)
	require.NoError(t, err)
	assert.True(t, state.Existing)
	assert.Equal(t, "arn:live", state.ID)
	assert.Empty(t, api.requested)
}

func TestCertificateRemote_FailedStatusCarriesReason(t *testing.T) {
	r := certificateRemote(&typesACM.CertificateDetail{
		CertificateArn: awssdk.String("arn:x"),
		DomainName:     awssdk.String("x.example.com"),
		Status:         typesACM.CertificateStatusFailed,
		FailureReason:  typesACM.FailureReasonCaaError,
	})
	assert.Equal(t, "FAILED: CAA_ERROR", r.Status)
	assert.NotContains(t, r.Fields, "ValidationRecord")
}

func TestIdempotencyToken_StablePerDomain(t *testing.T) {
	assert.Equal(t, idempotencyToken("a.example.com"), idempotencyToken("a.example.com"))
	assert.NotEqual(t, idempotencyToken("a.example.com"), idempotencyToken("b.example.com"))
}
