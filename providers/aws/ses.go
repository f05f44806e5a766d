package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	typesSES "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// EmailIdentityType is the registry name of the SES identity adapter.
const EmailIdentityType = "aws.ses.EmailIdentity"

// EmailIdentityAPI is the subset of *sesv2.Client used by EmailIdentity.
type EmailIdentityAPI interface {
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
	CreateEmailIdentity(ctx context.Context, params *sesv2.CreateEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailIdentityOutput, error)
	PutEmailIdentityConfigurationSetAttributes(ctx context.Context, params *sesv2.PutEmailIdentityConfigurationSetAttributesInput, optFns ...func(*sesv2.Options)) (*sesv2.PutEmailIdentityConfigurationSetAttributesOutput, error)
	DeleteEmailIdentity(ctx context.Context, params *sesv2.DeleteEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteEmailIdentityOutput, error)
}

// EmailIdentity reconciles SES sending identities, either a domain or a
// single address. The identity is ready once SES has verified it for
// sending; until then the DKIM tokens to publish are kept in the fields.
//
// "dkimPrivateKeySecret" names a stored PEM key for bring-your-own DKIM and
// requires dkim.selector.
type EmailIdentity struct {
	client  EmailIdentityAPI
	secrets secrets.Store
}

// NewEmailIdentity returns an SES identity adapter.
func NewEmailIdentity(client EmailIdentityAPI, store secrets.Store) *EmailIdentity {
	return &EmailIdentity{client: client, secrets: store}
}

func (e *EmailIdentity) Type() string { return EmailIdentityType }

func (e *EmailIdentity) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":             mapper.To("EmailIdentity"),
			"configurationSet": mapper.To("ConfigurationSetName"),
			"dkim": mapper.WrapIn("DkimSigningAttributes", mapper.Schema{
				"selector":  mapper.To("DomainSigningSelector"),
				"keyLength": mapper.To("NextSigningKeyLength"),
			}),
			"tags": mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
	}
}

var emailIdentityMutable = []string{"ConfigurationSetName"}

func (e *EmailIdentity) WatchedFields() []string { return emailIdentityMutable }

// Domain verification waits on DNS propagation.
func (e *EmailIdentity) ReadinessPolicy() readiness.Policy {
	return readiness.Policy{Period: time.Minute, Attempts: 72}
}

func (e *EmailIdentity) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, EmailIdentityType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	return e.read(ctx, name)
}

func (e *EmailIdentity) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &sesv2.CreateEmailIdentityInput{}
	if err := decodeInput(payload, in, "create email identity"); err != nil {
		return reconcile.Remote{}, err
	}

	key, ok, err := secretValue(ctx, e.secrets, def, "dkimPrivateKeySecret", false)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if ok {
		if in.DkimSigningAttributes == nil || awssdk.ToString(in.DkimSigningAttributes.DomainSigningSelector) == "" {
			return reconcile.Remote{}, fault.Configurationf("%s: dkimPrivateKeySecret requires dkim.selector", EmailIdentityType)
		}
		in.DkimSigningAttributes.DomainSigningPrivateKey = awssdk.String(key)
	}

	out, err := e.client.CreateEmailIdentity(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create email identity")
	}
	status := typesSES.VerificationStatusPending
	if out.VerifiedForSendingStatus {
		status = typesSES.VerificationStatusSuccess
	}
	return emailIdentityRemote(awssdk.ToString(in.EmailIdentity), &sesv2.GetEmailIdentityOutput{
		IdentityType:             out.IdentityType,
		DkimAttributes:           out.DkimAttributes,
		VerifiedForSendingStatus: out.VerifiedForSendingStatus,
		VerificationStatus:       status,
	}), nil
}

func (e *EmailIdentity) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	in := &sesv2.PutEmailIdentityConfigurationSetAttributesInput{}
	if err := decodeInput(subset(payload, emailIdentityMutable...), in, "set identity configuration set"); err != nil {
		return reconcile.Remote{}, err
	}
	in.EmailIdentity = awssdk.String(state.ID)
	if _, err := e.client.PutEmailIdentityConfigurationSetAttributes(ctx, in); err != nil {
		return reconcile.Remote{}, classify(err, "set identity configuration set")
	}

	remote, found, err := e.read(ctx, state.ID)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		return reconcile.Remote{}, fault.NotFoundf(fmt.Errorf("identity %s disappeared during update", state.ID), "update email identity")
	}
	return remote, nil
}

func (e *EmailIdentity) Delete(ctx context.Context, state ir.State) error {
	_, err := e.client.DeleteEmailIdentity(ctx, &sesv2.DeleteEmailIdentityInput{EmailIdentity: awssdk.String(state.ID)})
	return classify(err, "delete email identity")
}

func (e *EmailIdentity) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return e.read(ctx, state.ID)
}

func (e *EmailIdentity) read(ctx context.Context, identity string) (reconcile.Remote, bool, error) {
	out, err := e.client.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{EmailIdentity: &identity})
	if err != nil {
		err = classify(err, "get email identity")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	return emailIdentityRemote(identity, out), true, nil
}

func emailIdentityRemote(identity string, out *sesv2.GetEmailIdentityOutput) reconcile.Remote {
	status := string(out.VerificationStatus)
	phase := readiness.Pending
	switch {
	case out.VerifiedForSendingStatus:
		phase = readiness.Ready
	case out.VerificationStatus == typesSES.VerificationStatusFailed:
		phase = readiness.Failed
		if out.VerificationInfo != nil && out.VerificationInfo.ErrorType != "" {
			status += ": " + string(out.VerificationInfo.ErrorType)
		}
	}

	fields := map[string]any{
		"EmailIdentity": identity,
		"IdentityType":  string(out.IdentityType),
	}
	if out.ConfigurationSetName != nil {
		fields["ConfigurationSetName"] = awssdk.ToString(out.ConfigurationSetName)
	}
	if out.DkimAttributes != nil && len(out.DkimAttributes.Tokens) > 0 {
		tokens := make([]any, len(out.DkimAttributes.Tokens))
		for i, t := range out.DkimAttributes.Tokens {
			tokens[i] = t
		}
		fields["DkimTokens"] = tokens
	}

	return reconcile.Remote{
		ID:     identity,
		Fields: fields,
		Phase:  phase,
		Status: status,
		Outputs: map[string]any{
			"identity":     identity,
			"identityType": string(out.IdentityType),
		},
	}
}
