package domain

import (
	"fmt"
	"time"
)

// Region and account used in synthesized ARNs. The service is single-tenant
// so these are fixed, matching what AWS SDK clients expect to parse.
const (
	arnRegion  = "us-east-1"
	arnAccount = "000000000000"
)

// FunctionArn returns the invoked-function ARN for a name.
func FunctionArn(name string) string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", arnRegion, arnAccount, name)
}

// LogGroup returns the synthesized CloudWatch-style log group name.
func LogGroup(name string) string {
	return "/aws/lambda/" + name
}

// LogStream returns the synthesized log stream name for one instance,
// shaped like CloudWatch's date/[version]instance streams.
func LogStream(version, instanceID string) string {
	return fmt.Sprintf("%s/[%s]%s", time.Now().UTC().Format("2006/01/02"), version, instanceID)
}
