package aws

import (
	"context"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	typesSQS "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/internal/reconcile"
)

const (
	// QueueType is the registry name of the SQS queue adapter.
	QueueType = "aws.sqs.Queue"

	// TopicType is the registry name of the SNS topic adapter.
	TopicType = "aws.sns.Topic"
)

// QueueAPI is the subset of *sqs.Client used by Queue.
type QueueAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
	TagQueue(ctx context.Context, params *sqs.TagQueueInput, optFns ...func(*sqs.Options)) (*sqs.TagQueueOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// Queue reconciles SQS queues. The natural key is the queue name; the
// identifier is the queue URL.
type Queue struct {
	client QueueAPI
}

// NewQueue returns a queue adapter.
func NewQueue(client QueueAPI) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Type() string { return QueueType }

// Mapping: attribute values may be numbers or booleans in the definition;
// they are sent as the strings SQS expects.
func (q *Queue) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":       mapper.To("QueueName"),
			"attributes": mapper.WrapIn("Attributes", nil),
			"tags":       mapper.WrapIn("Tags", nil),
		},
	}
}

func (q *Queue) WatchedFields() []string { return []string{"Attributes", "Tags"} }

func (q *Queue) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, QueueType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: awssdk.String(name)})
	if err != nil {
		err = classify(err, "get queue url")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	return q.read(ctx, awssdk.ToString(out.QueueUrl))
}

func (q *Queue) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	name, _ := payload["QueueName"].(string)
	attrs := stringMap(payload["Attributes"])
	if strings.HasSuffix(name, ".fifo") {
		if attrs == nil {
			attrs = map[string]string{}
		}
		if _, ok := attrs["FifoQueue"]; !ok {
			attrs["FifoQueue"] = "true"
		}
	}

	out, err := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  awssdk.String(name),
		Attributes: attrs,
		Tags:       stringMap(payload["Tags"]),
	})
	if err != nil {
		return reconcile.Remote{}, classify(err, "create queue")
	}
	return q.read1(ctx, awssdk.ToString(out.QueueUrl))
}

func (q *Queue) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	url := state.ID
	if attrs := stringMap(payload["Attributes"]); len(attrs) > 0 {
		_, err := q.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{QueueUrl: &url, Attributes: attrs})
		if err != nil {
			return reconcile.Remote{}, classify(err, "set queue attributes")
		}
	}
	if tags := stringMap(payload["Tags"]); len(tags) > 0 {
		if _, err := q.client.TagQueue(ctx, &sqs.TagQueueInput{QueueUrl: &url, Tags: tags}); err != nil {
			return reconcile.Remote{}, classify(err, "tag queue")
		}
	}
	return q.read1(ctx, url)
}

func (q *Queue) Delete(ctx context.Context, state ir.State) error {
	_, err := q.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: &state.ID})
	return classify(err, "delete queue")
}

func (q *Queue) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return q.read(ctx, state.ID)
}

// read1 reads a queue that must exist.
func (q *Queue) read1(ctx context.Context, url string) (reconcile.Remote, error) {
	r, found, err := q.read(ctx, url)
	if err != nil {
		return reconcile.Remote{}, err
	}
	if !found {
		// Freshly created queues can take a moment to appear.
		r = reconcile.Remote{ID: url, Fields: map[string]any{"QueueUrl": url}, Phase: readiness.Pending, Status: "creating"}
	}
	return r, nil
}

func (q *Queue) read(ctx context.Context, url string) (reconcile.Remote, bool, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &url,
		AttributeNames: []typesSQS.QueueAttributeName{typesSQS.QueueAttributeNameQueueArn},
	})
	if err != nil {
		err = classify(err, "get queue attributes")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}

	fields := anyMap(out.Attributes, "QueueArn")
	fields["QueueUrl"] = url
	return reconcile.Remote{
		ID:      url,
		Fields:  fields,
		Phase:   readiness.Ready,
		Status:  "available",
		Outputs: map[string]any{"url": url, "arn": out.Attributes["QueueArn"]},
	}, true, nil
}

// TopicAPI is the subset of *sns.Client used by Topic.
type TopicAPI interface {
	ListTopics(ctx context.Context, params *sns.ListTopicsInput, optFns ...func(*sns.Options)) (*sns.ListTopicsOutput, error)
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	GetTopicAttributes(ctx context.Context, params *sns.GetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error)
	SetTopicAttributes(ctx context.Context, params *sns.SetTopicAttributesInput, optFns ...func(*sns.Options)) (*sns.SetTopicAttributesOutput, error)
	TagResource(ctx context.Context, params *sns.TagResourceInput, optFns ...func(*sns.Options)) (*sns.TagResourceOutput, error)
	DeleteTopic(ctx context.Context, params *sns.DeleteTopicInput, optFns ...func(*sns.Options)) (*sns.DeleteTopicOutput, error)
}

// Topic reconciles SNS topics. SNS has no get-by-name, so Locate pages
// through ListTopics matching the ARN suffix.
type Topic struct {
	client TopicAPI
}

// NewTopic returns a topic adapter.
func NewTopic(client TopicAPI) *Topic {
	return &Topic{client: client}
}

func (t *Topic) Type() string { return TopicType }

func (t *Topic) Mapping() mapper.Mapping {
	return mapper.Mapping{
		Schema: mapper.Schema{
			"name":       mapper.To("Name"),
			"attributes": mapper.WrapIn("Attributes", nil),
			"tags":       mapper.WrapIn("Tags", mapper.Schema{"key": mapper.To("Key"), "value": mapper.To("Value")}),
		},
	}
}

func (t *Topic) WatchedFields() []string { return []string{"Attributes", "Tags"} }

func (t *Topic) Locate(ctx context.Context, def ir.Definition) (reconcile.Remote, bool, error) {
	name, err := requireName(def, TopicType)
	if err != nil {
		return reconcile.Remote{}, false, err
	}

	suffix := ":" + name
	pages := sns.NewListTopicsPaginator(t.client, &sns.ListTopicsInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return reconcile.Remote{}, false, classify(err, "list topics")
		}
		for _, topic := range page.Topics {
			if arn := awssdk.ToString(topic.TopicArn); strings.HasSuffix(arn, suffix) {
				return t.read(ctx, arn)
			}
		}
	}
	return reconcile.Remote{}, false, nil
}

func (t *Topic) Create(ctx context.Context, def ir.Definition, payload map[string]any) (reconcile.Remote, error) {
	in := &sns.CreateTopicInput{}
	if err := decodeInput(without(payload, "Attributes"), in, "create topic"); err != nil {
		return reconcile.Remote{}, err
	}
	in.Attributes = stringMap(payload["Attributes"])

	out, err := t.client.CreateTopic(ctx, in)
	if err != nil {
		return reconcile.Remote{}, classify(err, "create topic")
	}
	arn := awssdk.ToString(out.TopicArn)
	return topicRemote(arn, nil), nil
}

// Update sets each attribute that differs from the mirrored state; SNS takes
// one attribute per call.
func (t *Topic) Update(ctx context.Context, state ir.State, payload map[string]any) (reconcile.Remote, error) {
	arn := state.ID
	desired := stringMap(payload["Attributes"])
	current := stringMap(state.Fields["Attributes"])
	for _, k := range sortedKeys(desired) {
		if cur, ok := current[k]; ok && cur == desired[k] {
			continue
		}
		_, err := t.client.SetTopicAttributes(ctx, &sns.SetTopicAttributesInput{
			TopicArn:       &arn,
			AttributeName:  awssdk.String(k),
			AttributeValue: awssdk.String(desired[k]),
		})
		if err != nil {
			return reconcile.Remote{}, classify(err, "set topic attributes")
		}
	}

	if tags, ok := payload["Tags"]; ok {
		var in sns.TagResourceInput
		if err := decodeInput(map[string]any{"Tags": tags}, &in, "tag topic"); err != nil {
			return reconcile.Remote{}, err
		}
		if len(in.Tags) > 0 {
			in.ResourceArn = &arn
			if _, err := t.client.TagResource(ctx, &in); err != nil {
				return reconcile.Remote{}, classify(err, "tag topic")
			}
		}
	}
	return topicRemote(arn, nil), nil
}

func (t *Topic) Delete(ctx context.Context, state ir.State) error {
	_, err := t.client.DeleteTopic(ctx, &sns.DeleteTopicInput{TopicArn: &state.ID})
	return classify(err, "delete topic")
}

func (t *Topic) Read(ctx context.Context, state ir.State) (reconcile.Remote, bool, error) {
	return t.read(ctx, state.ID)
}

func (t *Topic) read(ctx context.Context, arn string) (reconcile.Remote, bool, error) {
	out, err := t.client.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{TopicArn: &arn})
	if err != nil {
		err = classify(err, "get topic attributes")
		if absent(err) {
			return reconcile.Remote{}, false, nil
		}
		return reconcile.Remote{}, false, err
	}
	return topicRemote(arn, out.Attributes), true, nil
}

func topicRemote(arn string, attrs map[string]string) reconcile.Remote {
	fields := map[string]any{"TopicArn": arn}
	if name := arn[strings.LastIndex(arn, ":")+1:]; name != "" {
		fields["Name"] = name
	}
	outputs := map[string]any{"arn": arn}
	if owner := attrs["Owner"]; owner != "" {
		outputs["owner"] = owner
	}
	return reconcile.Remote{
		ID:      arn,
		Fields:  fields,
		Phase:   readiness.Ready,
		Status:  "available",
		Outputs: outputs,
	}
}
