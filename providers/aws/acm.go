package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	typesACM "github.com/aws/aws-sdk-go-v2/service/acm/types"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

// CertificateType is the registry name of the ACM adapter.
const CertificateType = "aws.acm.Certificate"

// CertificateAPI is the subset of *acm.Client used by Certificate.
type CertificateAPI interface {
	acm.ListCertificatesAPIClient
	DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
	RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error)
	DeleteCertificate(ctx context.Context, params *acm.DeleteCertificateInput, optFns ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error)
}

// Certificate reconciles ACM certificates with DNS validation. The
// definition name is the primary domain; the state ID is the certificate
// ARN. Certificates are immutable, so no field is watched for updates.
//
// A certificate is ready once ISSUED. The DNS validation record is mirrored
// into the state fields while validation is pending, so a record can be
// created from it before the certificate has any outputs.
type Certificate struct {
	client CertificateAPI
}

// NewCertificate returns a certificate adapter.
func NewCertificate(client CertificateAPI) *Certificate {
	return &Certificate{client: client}
}

func (c *Certificate) Type() string { return CertificateType }

func (c *Certificate) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":             mapper.To("DomainName"),
			"alternativeNames": mapper.To("SubjectAlternativeNames").AsList().OmitEmpty(),
			"keyAlgorithm":     mapper.To("KeyAlgorithm"),
			"tags":             mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
		Defaults: map[string]any{"ValidationMethod": "DNS"},
	}
}

func (c *Certificate) WatchedFields() []string { return []string{} }

// DNS validation usually completes within minutes once the record exists.
func (c *Certificate) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{Period: 30 * time.Second, Attempts: 60}
}

var certificateLive = []typesACM.CertificateStatus{
	typesACM.CertificateStatusPendingValidation,
	typesACM.CertificateStatusIssued,
}

// Locate pages through live certificates for one whose primary domain
// matches the definition name.
func (c *Certificate) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	domain, err := requireName(def, CertificateType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}

	pages := acm.NewListCertificatesPaginator(c.client, &acm.ListCertificatesInput{CertificateStatuses: certificateLive})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return reconcile.Remote{}, false, classify(err, "list certificates")
		}
		for _, sum := range page.CertificateSummaryList {
			if awssdk.ToString(sum.DomainName) == domain {
				return c.read(ctx, awssdk.ToString(sum.CertificateArn))
			}
		}
	}
	return reconcile.Remote{}, false, nil
}

func (c *Certificate) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &acm.RequestCertificateInput{}
	if err := decodeInput(payload, in, "request certificate"); err != nil {
		return reconcile.Remote{}, err
	}
	// ACM folds repeated requests within an hour onto one certificate.
	in.IdempotencyToken = awssdk.String(idempotencyToken(awssdk.ToString(in.DomainName)))

	out, err := c.client.RequestCertificate(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "request certificate")
	}
	arn := awssdk.ToString(out.CertificateArn)

	// Validation options appear a few seconds after the request.
	remote, found, err := c.read(ctx, arn)
	if err != nil || !found {
		return reconcile.Remote{
			ID:     arn,
			Fields: map[string]any{"CertificateArn": arn},
			Phase:  readiness.Pending,
			Status: string(typesACM.CertificateStatusPendingValidation),
		}, nil
	}
	return remote, nil
}

func (c *Certificate) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	return reconcile.Remote{}, fault.Configurationf("%s is immutable; replace it to change %s", CertificateType, state.ID)
}

func (c *Certificate) Delete(ctx context.Context, state ir.State) error {
	_, err := c.client.DeleteCertificate(ctx, &acm.DeleteCertificateInput{CertificateArn: awssdk.String(state.ID)})
	return classify(err, "delete certificate")
}

func (c *Certificate) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return c.read(ctx, state.ID)
}

func (c *Certificate) read(ctx context.Context, arn string) (reconcile.Remote, bool, error) {
	out, err := c.client.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: &arn})
	if err != nil {
		err = classify(err, "describe certificate")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	if out.Certificate == nil {
		return reconcile.Remote{}, false, nil
	}
	return certificateRemote(out.Certificate), true, nil
}

func certificateRemote(cert *typesACM.CertificateDetail) reconcile.Remote {
	status := string(cert.Status)
	phase := readiness.Pending
	switch cert.Status {
	case typesACM.CertificateStatusIssued:
		phase = readiness.Ready
	case typesACM.CertificateStatusFailed,
		typesACM.CertificateStatusValidationTimedOut,
		typesACM.CertificateStatusRevoked,
		typesACM.CertificateStatusExpired,
		typesACM.CertificateStatusInactive:
		phase = readiness.Failed
		if cert.FailureReason != "" {
			status += ": " + string(cert.FailureReason)
		}
	}

	arn := awssdk.ToString(cert.CertificateArn)
	fields := map[string]any{
		"CertificateArn": arn,
		"DomainName":     awssdk.ToString(cert.DomainName),
	}
	for _, opt := range cert.DomainValidationOptions {
		if awssdk.ToString(opt.DomainName) != awssdk.ToString(cert.DomainName) || opt.ResourceRecord == nil {
			continue
		}
		fields["ValidationRecord"] = map[string]any{
			"Name":  awssdk.ToString(opt.ResourceRecord.Name),
			"Type":  string(opt.ResourceRecord.Type),
			"Value": awssdk.ToString(opt.ResourceRecord.Value),
		}
	}

	outputs := map[string]any{"arn": arn}
	if cert.NotAfter != nil {
		outputs["notAfter"] = cert.NotAfter.UTC().Format(time.RFC3339)
	}

	return reconcile.Remote{
		ID:      arn,
		Fields:  fields,
		Phase:   phase,
		Status:  status,
		Outputs: outputs,
	}
}

// idempotencyToken derives ACM's 32-character token from the domain.
func idempotencyToken(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:16])
}
