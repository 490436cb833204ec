package provision

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// AWS API error codes the provisioner branches on.
const (
	codeKeyPairNotFound       = "InvalidKeyPair.NotFound"
	codeKeyPairDuplicate      = "InvalidKeyPair.Duplicate"
	codeGroupNotFound         = "InvalidGroup.NotFound"
	codeGroupDuplicate        = "InvalidGroup.Duplicate"
	codePermissionDuplicate   = "InvalidPermission.Duplicate"
	codePermissionNotFound    = "InvalidPermission.NotFound"
	codeDependencyViolation   = "DependencyViolation"
	codeInstanceNotFound      = "InvalidInstanceID.NotFound"
	codeInvalidParameterValue = "InvalidParameterValue"

	codeDBInstanceNotFound      = "DBInstanceNotFound"
	codeDBInstanceAlreadyExists = "DBInstanceAlreadyExists"
	codeInvalidDBInstanceState  = "InvalidDBInstanceState"

	codeTargetGroupNotFound  = "TargetGroupNotFound"
	codeLoadBalancerNotFound = "LoadBalancerNotFound"
	codeDuplicateTargetGroup = "DuplicateTargetGroupName"
	codeDuplicateLB          = "DuplicateLoadBalancerName"
	codeResourceInUse        = "ResourceInUse"

	codeQueueNotFound     = "AWS.SimpleQueueService.NonExistentQueue"
	codeQueueDoesNotExist = "QueueDoesNotExist"
	codeQueueNameExists   = "QueueAlreadyExists"
	codeSNSNotFound       = "NotFound"

	codeEntityAlreadyExists = "EntityAlreadyExists"
	codeNoSuchEntity        = "NoSuchEntity"
	codeLimitExceeded       = "LimitExceeded"
)

// ErrNotFound is returned by describe functions when the resource does not
// exist, whether AWS reported it with an error code or an empty result.
var ErrNotFound = errors.New("resource not found")

// IsCode reports whether 'err' is, or wraps, an AWS API error carrying one
// of 'codes'.
func IsCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

// getOrCreate implements the idempotent acquisition used for every
// resource: describe, create when describe reports ErrNotFound, and describe
// again when create fails with one of 'duplicate' (another writer won the
// race). The boolean result reports whether this call created the resource.
func getOrCreate[T any](
	ctx context.Context,
	describe func(context.Context) (T, error),
	create func(context.Context) (T, error),
	duplicate ...string,
) (T, bool, error) {
	var zero T

	v, err := describe(ctx)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return zero, false, err
	}

	v, err = create(ctx)
	if err == nil {
		return v, true, nil
	}
	if !IsCode(err, duplicate...) {
		return zero, false, err
	}

	v, err = describe(ctx)
	if err != nil {
		return zero, false, err
	}
	return v, false, nil
}
