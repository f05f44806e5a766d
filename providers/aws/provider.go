// Package aws reconciles AWS resources. Each adapter depends on a narrow
// client interface that the matching aws-sdk-go-v2 service client satisfies,
// so tests substitute fakes for the SDK.
//
// Payloads are keyed by SDK field names (PascalCase), which lets an adapter
// decode the mapped payload straight into the SDK input struct.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/picklr-io/reconcilr/internal/fault"
	"github.com/picklr-io/reconcilr/internal/ir"
	"github.com/picklr-io/reconcilr/internal/secrets"
)

// LoadConfig resolves credentials and region the way the AWS CLI does.
// Empty region and profile fall back to the environment.
func LoadConfig(ctx context.Context, region, profile string) (awssdk.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awssdk.Config{}, fault.Configurationf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// decodeInput fills an SDK input struct from a provider-keyed payload.
func decodeInput(payload map[string]any, in any, op string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fault.Configurationf("%s: encode payload: %v", op, err)
	}
	if err := json.Unmarshal(data, in); err != nil {
		return fault.Configurationf("%s: payload does not fit %T: %v", op, in, err)
	}
	return nil
}

// subset copies the named keys of payload that are present.
func subset(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}

// without returns a copy of payload minus keys.
func without(payload map[string]any, keys ...string) map[string]any {
	out := ir.CloneMap(payload)
	if out == nil {
		out = map[string]any{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// stringMap converts an attribute object to the string map the SQS and SNS
// APIs take. Numbers and booleans are formatted; nested values are JSON.
func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch x := val.(type) {
		case nil:
		case string:
			out[k] = x
		case map[string]any, []any:
			data, _ := json.Marshal(x)
			out[k] = string(data)
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

// anyMap is the inverse of stringMap for values read back from the API.
func anyMap(m map[string]string, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// requireName returns the natural key of def.
func requireName(def ir.Definition, typ string) (string, error) {
	name := strings.TrimSpace(def.String("name"))
	if name == "" {
		return "", fault.Configurationf("%s requires a name", typ)
	}
	return name, nil
}

// secretValue resolves the secret referenced by def[key]. An absent
// reference is ("", false, nil). When generate is set and the secret does
// not exist yet, a random value is stored under the referenced name.
func secretValue(ctx context.Context, store secrets.Store, def ir.Definition, key string, generate bool) (string, bool, error) {
	name := def.String(key)
	if name == "" {
		return "", false, nil
	}
	if store == nil {
		return "", false, fault.Configurationf("%s references secret %q but no secret store is configured", key, name)
	}

	if generate {
		v, ok, err := store.Get(ctx, name)
		if err != nil {
			return "", false, err
		}
		if ok && v != "" {
			return v, true, nil
		}
		v, err = secrets.RandString(32)
		if err != nil {
			return "", false, err
		}
		if err := store.Set(ctx, name, v); err != nil {
			return "", false, fmt.Errorf("store generated secret %q: %w", name, err)
		}
		return v, true, nil
	}

	v, err := secrets.Require(ctx, store, name)
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}
