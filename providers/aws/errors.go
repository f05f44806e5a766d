package aws

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/picklr-io/reconcilr/internal/fault"
)

var notFoundCodes = map[string]bool{
	"NotFound":                                true,
	"NoSuchBucket":                            true,
	"ResourceNotFoundException":               true,
	"DBClusterNotFoundFault":                  true,
	"NoSuchHostedZone":                        true,
	"NoSuchChange":                            true,
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"QueueDoesNotExist":                       true,
	"ReplicationGroupNotFoundFault":           true,
	"ParameterNotFound":                       true,
	"ClusterNotFound":                         true,
	"ClusterNotFoundFault":                    true,
	"FileSystemNotFound":                      true,
	"LoadBalancerNotFound":                    true,
	"NotFoundException":                       true,
}

var conflictCodes = map[string]bool{
	"BucketAlreadyOwnedByYou":            true,
	"BucketAlreadyExists":                true,
	"ResourceInUseException":             true,
	"DBClusterAlreadyExistsFault":        true,
	"HostedZoneAlreadyExists":            true,
	"QueueAlreadyExists":                 true,
	"QueueNameExists":                    true,
	"ReplicationGroupAlreadyExistsFault": true,
	"ClusterAlreadyExists":               true,
	"ClusterAlreadyExistsFault":          true,
	"FileSystemAlreadyExists":            true,
	"ResourceAlreadyExistsException":     true,
	"ResourceConflictException":          true,
	"DuplicateLoadBalancerName":          true,
	"AlreadyExistsException":             true,
}

var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
	"RequestTimeout":                         true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
	"InternalFailure":                        true,
}

// classify maps an SDK error onto the fault taxonomy. API error codes win
// over HTTP status; errors with neither never reached the service and are
// transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return fault.NotFoundf(err, op)
		case conflictCodes[code]:
			return fault.Conflictf(err, op)
		case transientCodes[code]:
			return fault.Transientf(err, op)
		}
	}

	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		class := fault.Terminal
		switch {
		case status == http.StatusNotFound:
			class = fault.NotFound
		case status == http.StatusConflict:
			class = fault.Conflict
		case status == http.StatusTooManyRequests, status >= 500:
			class = fault.Transient
		}
		return &fault.Error{Class: class, Op: op, Cause: err, StatusCode: status}
	}

	if ae != nil {
		if ae.ErrorFault() == smithy.FaultServer {
			return fault.Transientf(err, op)
		}
		return fault.Terminalf(err, op)
	}
	return fault.Transientf(err, op)
}

// absent reports whether err is a classified not-found.
func absent(err error) bool {
	return fault.Is(err, fault.NotFound)
}
