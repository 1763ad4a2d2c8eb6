package aws

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrThrottled indicates DynamoDB refused the request for capacity reasons and
// the caller may retry.
var ErrThrottled = errors.New("dynamodb request throttled")

func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	var limitErr *types.RequestLimitExceeded
	if errors.As(err, &limitErr) {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	// not every throttling response is typed
	if strings.Contains(err.Error(), "ThrottlingException") {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
