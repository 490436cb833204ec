package provision

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

const (
	// 'Name' is well-known within AWS itself; 'Application' groups every
	// resource of the deployment and is what teardown filters on.
	tagKeyName        = "Name"
	tagKeyApplication = "Application"
	tagKeyComponent   = "Component"
	tagKeyManagedBy   = "ManagedBy"
	tagKeyRunID       = "musicdeploy:run-id"

	tagDefaultManagedBy = "musicdeploy"
)

// tagSet is the provider-neutral form of the default tags, converted to each
// service's own Tag type on demand.
type tagSet [][2]string

func (p *Provisioner) tags(extra ...[2]string) tagSet {
	t := tagSet{
		{tagKeyApplication, p.Config.AWS.Application},
		{tagKeyManagedBy, tagDefaultManagedBy},
	}
	if p.RunID != "" {
		t = append(t, [2]string{tagKeyRunID, p.RunID})
	}
	return append(t, extra...)
}

func named(name string) [2]string { return [2]string{tagKeyName, name} }
func component(name string) [2]string { return [2]string{tagKeyComponent, name} }

func (t tagSet) ec2() []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(t))
	for _, kv := range t {
		out = append(out, ec2types.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return out
}

// ec2Spec produces a tag specification for resource type 'rt'.
func (t tagSet) ec2Spec(rt ec2types.ResourceType) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{ResourceType: rt, Tags: t.ec2()}}
}

func (t tagSet) rds() []rdstypes.Tag {
	out := make([]rdstypes.Tag, 0, len(t))
	for _, kv := range t {
		out = append(out, rdstypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return out
}

func (t tagSet) elb() []elbtypes.Tag {
	out := make([]elbtypes.Tag, 0, len(t))
	for _, kv := range t {
		out = append(out, elbtypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return out
}

func (t tagSet) iam() []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(t))
	for _, kv := range t {
		out = append(out, iamtypes.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return out
}

func (t tagSet) strings() map[string]string {
	out := make(map[string]string, len(t))
	for _, kv := range t {
		out[kv[0]] = kv[1]
	}
	return out
}
