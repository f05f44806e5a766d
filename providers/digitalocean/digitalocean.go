// Package digitalocean describes DigitalOcean resource types as REST
// definitions. All types authenticate with the API token stored under
// TokenSecret.
package digitalocean

import (
	"net/http"
	"time"

	"github.com/picklr-io/reconcilr/internal/mapper"
	"github.com/picklr-io/reconcilr/internal/readiness"
	"github.com/picklr-io/reconcilr/providers/rest"
)

const (
	// BaseURL is the public API endpoint.
	BaseURL = "https://api.digitalocean.com"

	// TokenSecret is the default secret name of the API token.
	TokenSecret = "digitalocean/token"

	DatabaseType = "digitalocean.Database"
	DomainType   = "digitalocean.Domain"
)

// Auth is bearer authentication with the token in secret.
func Auth(secret string) rest.Auth {
	if secret == "" {
		secret = TokenSecret
	}
	return rest.Auth{Type: "bearer", TokenSecret: secret}
}

// Database is a managed database cluster. Clusters are "creating" for
// several minutes and then "online"; only size and node count change in
// place, through the resize action.
func Database(baseURL string) rest.Definition {
	return rest.Definition{
		Name:         DatabaseType,
		BaseURL:      orDefault(baseURL),
		Collection:   "/v2/databases",
		UpdatePath:   "/v2/databases/{id}/resize",
		UpdateMethod: http.MethodPut,
		UpdateFields: []string{"size", "num_nodes"},
		Envelope:     "database",
		ListKey:      "databases",
		NextField:    "links.pages.next",
		StatusField:  "status",
		ReadyValues:  []string{"online"},
		Mapping: mapper.Mapping{
			Schema: mapper.Schema{
				"name":           mapper.To("name"),
				"engine":         mapper.To("engine"),
				"version":        mapper.To("version"),
				"region":         mapper.To("region"),
				"size":           mapper.To("size"),
				"nodes":          mapper.To("num_nodes"),
				"privateNetwork": mapper.To("private_network_uuid"),
				"project":        mapper.To("project_id"),
				"tags":           mapper.To("tags").AsList().OmitEmpty(),
			},
			Defaults: map[string]any{
				"engine":    "pg",
				"num_nodes": 1,
			},
		},
		Watched: []string{"size", "num_nodes"},
		Outputs: map[string]string{
			"uri":        "connection.uri",
			"host":       "connection.host",
			"port":       "connection.port",
			"user":       "connection.user",
			"database":   "connection.database",
			"privateUri": "private_connection.uri",
		},
		Policy: readiness.Policy{InitialDelay: time.Minute, Period: 30 * time.Second, Attempts: 40},
	}
}

// Domain is a DNS zone. Domains are immutable and ready on creation; a name
// held by another account answers 422.
func Domain(baseURL string) rest.Definition {
	return rest.Definition{
		Name:             DomainType,
		BaseURL:          orDefault(baseURL),
		Collection:       "/v2/domains",
		Item:             "/v2/domains/{id}",
		Lookup:           "/v2/domains/{name}",
		Envelope:         "domain",
		IDField:          "name",
		ConflictStatuses: []int{http.StatusUnprocessableEntity},
		Mapping: mapper.Mapping{
			Schema: mapper.Schema{
				"name": mapper.To("name"),
				"ip":   mapper.To("ip_address"),
			},
		},
		Watched: []string{},
		Outputs: map[string]string{
			"ttl":      "ttl",
			"zoneFile": "zone_file",
		},
		Policy: readiness.Policy{InitialDelay: 0, Period: 5 * time.Second, Attempts: 3},
	}
}

// Definitions returns every DigitalOcean type.
func Definitions(baseURL string) []rest.Definition {
	return []rest.Definition{Database(baseURL), Domain(baseURL)}
}

func orDefault(baseURL string) string {
	if baseURL == "" {
		return BaseURL
	}
	return baseURL
}
