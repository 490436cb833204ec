package provision

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// fakeAWS is an in-memory account shared by every fake service client. It
// implements just enough behavior for the provisioner's get-or-create and
// teardown paths and for the SDK waiters used along them.
type fakeAWS struct {
	mu sync.Mutex

	// operations records every API call in order, as "Service.Operation".
	operations []string
	// fail makes the n-th (1-based) call of an operation return an error;
	// key "Operation" fails every call, "Operation#2" only the second.
	fail  map[string]error
	calls map[string]int

	subnets     []string
	keyPairs    map[string]bool
	groups      map[string]*types.SecurityGroup
	instances   []*types.Instance
	images      []types.Image
	db          *rdstypes.DBInstance
	topics      map[string]bool
	queues      map[string]string
	subscribed  map[string]bool
	roles       map[string]bool
	rolePolicy  map[string]string
	profiles    map[string]*iamtypes.InstanceProfile
	targetGrps  map[string]*elbtypes.TargetGroup
	lbs         map[string]*elbtypes.LoadBalancer
	listeners   map[string][]elbtypes.Listener
	targets     map[string][]string
	targetState elbtypes.TargetHealthStateEnum
	nextID      int

	// emptyDBCreate makes CreateDBInstance answer without a DBInstance.
	emptyDBCreate bool
}

func newFakeAWS() *fakeAWS {
	return &fakeAWS{
		fail:        map[string]error{},
		calls:       map[string]int{},
		subnets:     []string{"subnet-a", "subnet-b", "subnet-c"},
		keyPairs:    map[string]bool{},
		groups:      map[string]*types.SecurityGroup{},
		topics:      map[string]bool{},
		queues:      map[string]string{},
		subscribed:  map[string]bool{},
		roles:       map[string]bool{},
		rolePolicy:  map[string]string{},
		profiles:    map[string]*iamtypes.InstanceProfile{},
		targetGrps:  map[string]*elbtypes.TargetGroup{},
		lbs:         map[string]*elbtypes.LoadBalancer{},
		listeners:   map[string][]elbtypes.Listener{},
		targets:     map[string][]string{},
		targetState: elbtypes.TargetHealthStateEnumHealthy,
	}
}

func (f *fakeAWS) clients() Clients {
	return Clients{
		EC2: &fakeEC2{f}, RDS: &fakeRDS{f}, ELB: &fakeELB{f},
		SNS: &fakeSNS{f}, SQS: &fakeSQS{f}, IAM: &fakeIAM{f}, STS: &fakeSTS{f},
	}
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// call records an operation and returns the injected failure, if any. The
// caller must hold f.mu.
func (f *fakeAWS) call(op string) error {
	f.operations = append(f.operations, op)
	f.calls[op]++
	if err, ok := f.fail[fmt.Sprintf("%s#%d", op, f.calls[op])]; ok {
		return err
	}
	return f.fail[op]
}

func (f *fakeAWS) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}

// ops returns the recorded operations whose name starts with one of
// 'prefixes', e.g. "Create".
func (f *fakeAWS) ops(prefixes ...string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, op := range f.operations {
		name := op[strings.IndexByte(op, '.')+1:]
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

func (f *fakeAWS) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAWS) liveInstances() []*types.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Instance
	for _, i := range f.instances {
		if i.State.Name != types.InstanceStateNameTerminated {
			out = append(out, i)
		}
	}
	return out
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

type fakeEC2 struct{ *fakeAWS }

func (f *fakeEC2) DescribeVpcs(_ context.Context, _ *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeVpcs"); err != nil {
		return nil, err
	}
	return &ec2.DescribeVpcsOutput{Vpcs: []types.Vpc{{VpcId: aws.String("vpc-default"), IsDefault: aws.Bool(true)}}}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeSubnets"); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSubnetsOutput{}
	for _, s := range f.subnets {
		out.Subnets = append(out.Subnets, types.Subnet{SubnetId: aws.String(s), VpcId: aws.String("vpc-default")})
	}
	return out, nil
}

func (f *fakeEC2) DescribeKeyPairs(_ context.Context, in *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeKeyPairs"); err != nil {
		return nil, err
	}
	name := in.KeyNames[0]
	if !f.keyPairs[name] {
		return nil, apiErr(codeKeyPairNotFound)
	}
	return &ec2.DescribeKeyPairsOutput{KeyPairs: []types.KeyPairInfo{{KeyName: aws.String(name)}}}, nil
}

func (f *fakeEC2) ImportKeyPair(_ context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.ImportKeyPair"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.KeyName)
	if f.keyPairs[name] {
		return nil, apiErr(codeKeyPairDuplicate)
	}
	f.keyPairs[name] = true
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName, KeyPairId: aws.String(f.id("key"))}, nil
}

func (f *fakeEC2) DeleteKeyPair(_ context.Context, in *ec2.DeleteKeyPairInput, _ ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DeleteKeyPair"); err != nil {
		return nil, err
	}
	// Like AWS, deleting a missing key pair succeeds.
	delete(f.keyPairs, aws.ToString(in.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeSecurityGroups"); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, flt := range in.Filters {
		if aws.ToString(flt.Name) != "group-name" {
			continue
		}
		if sg, ok := f.groups[flt.Values[0]]; ok {
			out.SecurityGroups = append(out.SecurityGroups, *sg)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.CreateSecurityGroup"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.GroupName)
	if _, ok := f.groups[name]; ok {
		return nil, apiErr(codeGroupDuplicate)
	}
	id := f.id("sg")
	f.groups[name] = &types.SecurityGroup{GroupId: aws.String(id), GroupName: in.GroupName, VpcId: in.VpcId}
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeAWS) groupByID(id string) *types.SecurityGroup {
	for _, sg := range f.groups {
		if aws.ToString(sg.GroupId) == id {
			return sg
		}
	}
	return nil
}

func permKey(p types.IpPermission) string {
	var src []string
	for _, r := range p.IpRanges {
		src = append(src, aws.ToString(r.CidrIp))
	}
	for _, g := range p.UserIdGroupPairs {
		src = append(src, aws.ToString(g.GroupId))
	}
	return fmt.Sprintf("%s/%d/%s", aws.ToString(p.IpProtocol), aws.ToInt32(p.FromPort), strings.Join(src, ","))
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.AuthorizeSecurityGroupIngress"); err != nil {
		return nil, err
	}
	sg := f.groupByID(aws.ToString(in.GroupId))
	if sg == nil {
		return nil, apiErr(codeGroupNotFound)
	}
	for _, p := range in.IpPermissions {
		if slices.ContainsFunc(sg.IpPermissions, func(e types.IpPermission) bool { return permKey(e) == permKey(p) }) {
			return nil, apiErr(codePermissionDuplicate)
		}
	}
	sg.IpPermissions = append(sg.IpPermissions, in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngress(_ context.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.RevokeSecurityGroupIngress"); err != nil {
		return nil, err
	}
	sg := f.groupByID(aws.ToString(in.GroupId))
	if sg == nil {
		return nil, apiErr(codeGroupNotFound)
	}
	sg.IpPermissions = nil
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DeleteSecurityGroup"); err != nil {
		return nil, err
	}
	id := aws.ToString(in.GroupId)
	for name, sg := range f.groups {
		if aws.ToString(sg.GroupId) != id {
			continue
		}
		for _, other := range f.groups {
			for _, p := range other.IpPermissions {
				for _, pair := range p.UserIdGroupPairs {
					if aws.ToString(pair.GroupId) == id {
						return nil, apiErr(codeDependencyViolation)
					}
				}
			}
		}
		delete(f.groups, name)
		return &ec2.DeleteSecurityGroupOutput{}, nil
	}
	return nil, apiErr(codeGroupNotFound)
}

func (f *fakeEC2) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeImages"); err != nil {
		return nil, err
	}
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func matchInstance(i *types.Instance, in *ec2.DescribeInstancesInput) bool {
	if len(in.InstanceIds) > 0 && !slices.Contains(in.InstanceIds, aws.ToString(i.InstanceId)) {
		return false
	}
	for _, flt := range in.Filters {
		name := aws.ToString(flt.Name)
		var got string
		switch {
		case name == "instance-state-name":
			got = string(i.State.Name)
		case strings.HasPrefix(name, "tag:"):
			got = tagValue(i.Tags, strings.TrimPrefix(name, "tag:"))
		default:
			continue
		}
		if !slices.Contains(flt.Values, got) {
			return false
		}
	}
	return true
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.DescribeInstances"); err != nil {
		return nil, err
	}
	out := &ec2.DescribeInstancesOutput{}
	for _, i := range f.instances {
		if matchInstance(i, in) {
			out.Reservations = append(out.Reservations, types.Reservation{Instances: []types.Instance{*i}})
		}
	}
	return out, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.RunInstances"); err != nil {
		return nil, err
	}
	out := &ec2.RunInstancesOutput{}
	for range aws.ToInt32(in.MinCount) {
		n := len(f.instances) + 1
		i := &types.Instance{
			InstanceId:       aws.String(f.id("i")),
			ImageId:          in.ImageId,
			KeyName:          in.KeyName,
			State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
			PublicIpAddress:  aws.String(fmt.Sprintf("203.0.113.%d", n)),
			PrivateIpAddress: aws.String(fmt.Sprintf("172.31.0.%d", n)),
			Tags:             in.TagSpecifications[0].Tags,
		}
		if in.IamInstanceProfile != nil {
			i.IamInstanceProfile = &types.IamInstanceProfile{Arn: in.IamInstanceProfile.Name}
		}
		f.instances = append(f.instances, i)
		out.Instances = append(out.Instances, *i)
	}
	return out, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("EC2.TerminateInstances"); err != nil {
		return nil, err
	}
	for _, i := range f.instances {
		if slices.Contains(in.InstanceIds, aws.ToString(i.InstanceId)) {
			i.State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
		}
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

type fakeRDS struct{ *fakeAWS }

func (f *fakeRDS) DescribeDBInstances(_ context.Context, _ *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RDS.DescribeDBInstances"); err != nil {
		return nil, err
	}
	if f.db == nil {
		return nil, apiErr(codeDBInstanceNotFound)
	}
	// Creation completes between two describes.
	out := *f.db
	if aws.ToString(f.db.DBInstanceStatus) == "creating" {
		f.db.DBInstanceStatus = aws.String(dbStatusAvailable)
		f.db.Endpoint = &rdstypes.Endpoint{Address: aws.String("music-db.abc.us-east-1.rds.amazonaws.com")}
		out = *f.db
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{out}}, nil
}

func (f *fakeRDS) CreateDBInstance(_ context.Context, in *rds.CreateDBInstanceInput, _ ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RDS.CreateDBInstance"); err != nil {
		return nil, err
	}
	if f.db != nil {
		return nil, apiErr(codeDBInstanceAlreadyExists)
	}
	f.db = &rdstypes.DBInstance{
		DBInstanceIdentifier: in.DBInstanceIdentifier,
		DBInstanceStatus:     aws.String("creating"),
		MasterUsername:       in.MasterUsername,
		PubliclyAccessible:   in.PubliclyAccessible,
	}
	if f.emptyDBCreate {
		return &rds.CreateDBInstanceOutput{}, nil
	}
	out := *f.db
	return &rds.CreateDBInstanceOutput{DBInstance: &out}, nil
}

func (f *fakeRDS) DeleteDBInstance(_ context.Context, _ *rds.DeleteDBInstanceInput, _ ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RDS.DeleteDBInstance"); err != nil {
		return nil, err
	}
	if f.db == nil {
		return nil, apiErr(codeDBInstanceNotFound)
	}
	f.db = nil
	return &rds.DeleteDBInstanceOutput{}, nil
}

type fakeELB struct{ *fakeAWS }

func (f *fakeELB) DescribeTargetGroups(_ context.Context, in *elbv2.DescribeTargetGroupsInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DescribeTargetGroups"); err != nil {
		return nil, err
	}
	tg, ok := f.targetGrps[in.Names[0]]
	if !ok {
		return nil, apiErr(codeTargetGroupNotFound)
	}
	return &elbv2.DescribeTargetGroupsOutput{TargetGroups: []elbtypes.TargetGroup{*tg}}, nil
}

func (f *fakeELB) CreateTargetGroup(_ context.Context, in *elbv2.CreateTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.CreateTargetGroup"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Name)
	tg := &elbtypes.TargetGroup{
		TargetGroupName: in.Name,
		TargetGroupArn:  aws.String("arn:aws:elasticloadbalancing:tg/" + name),
		Port:            in.Port,
		Protocol:        in.Protocol,
	}
	f.targetGrps[name] = tg
	return &elbv2.CreateTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{*tg}}, nil
}

func (f *fakeELB) DeleteTargetGroup(_ context.Context, in *elbv2.DeleteTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DeleteTargetGroup"); err != nil {
		return nil, err
	}
	for name, tg := range f.targetGrps {
		if aws.ToString(tg.TargetGroupArn) == aws.ToString(in.TargetGroupArn) {
			if len(f.lbs) > 0 {
				return nil, apiErr(codeResourceInUse)
			}
			delete(f.targetGrps, name)
			return &elbv2.DeleteTargetGroupOutput{}, nil
		}
	}
	return nil, apiErr(codeTargetGroupNotFound)
}

func (f *fakeELB) DescribeLoadBalancers(_ context.Context, in *elbv2.DescribeLoadBalancersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DescribeLoadBalancers"); err != nil {
		return nil, err
	}
	out := &elbv2.DescribeLoadBalancersOutput{}
	for name, lb := range f.lbs {
		if slices.Contains(in.Names, name) || slices.Contains(in.LoadBalancerArns, aws.ToString(lb.LoadBalancerArn)) {
			out.LoadBalancers = append(out.LoadBalancers, *lb)
		}
	}
	if len(out.LoadBalancers) == 0 {
		return nil, apiErr(codeLoadBalancerNotFound)
	}
	return out, nil
}

func (f *fakeELB) CreateLoadBalancer(_ context.Context, in *elbv2.CreateLoadBalancerInput, _ ...func(*elbv2.Options)) (*elbv2.CreateLoadBalancerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.CreateLoadBalancer"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Name)
	lb := &elbtypes.LoadBalancer{
		LoadBalancerName: in.Name,
		LoadBalancerArn:  aws.String("arn:aws:elasticloadbalancing:lb/" + name),
		DNSName:          aws.String(name + "-0123.elb.us-east-1.amazonaws.com"),
		Type:             in.Type,
		Scheme:           in.Scheme,
		State:            &elbtypes.LoadBalancerState{Code: elbtypes.LoadBalancerStateEnumActive},
	}
	for _, s := range in.Subnets {
		lb.AvailabilityZones = append(lb.AvailabilityZones, elbtypes.AvailabilityZone{SubnetId: aws.String(s)})
	}
	f.lbs[name] = lb
	return &elbv2.CreateLoadBalancerOutput{LoadBalancers: []elbtypes.LoadBalancer{*lb}}, nil
}

func (f *fakeELB) DeleteLoadBalancer(_ context.Context, in *elbv2.DeleteLoadBalancerInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteLoadBalancerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DeleteLoadBalancer"); err != nil {
		return nil, err
	}
	for name, lb := range f.lbs {
		if aws.ToString(lb.LoadBalancerArn) == aws.ToString(in.LoadBalancerArn) {
			delete(f.lbs, name)
			delete(f.listeners, aws.ToString(lb.LoadBalancerArn))
			return &elbv2.DeleteLoadBalancerOutput{}, nil
		}
	}
	return nil, apiErr(codeLoadBalancerNotFound)
}

func (f *fakeELB) DescribeListeners(_ context.Context, in *elbv2.DescribeListenersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DescribeListeners"); err != nil {
		return nil, err
	}
	return &elbv2.DescribeListenersOutput{Listeners: f.listeners[aws.ToString(in.LoadBalancerArn)]}, nil
}

func (f *fakeELB) CreateListener(_ context.Context, in *elbv2.CreateListenerInput, _ ...func(*elbv2.Options)) (*elbv2.CreateListenerOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.CreateListener"); err != nil {
		return nil, err
	}
	lbARN := aws.ToString(in.LoadBalancerArn)
	l := elbtypes.Listener{
		ListenerArn:     aws.String(fmt.Sprintf("%s/listener/%d", lbARN, aws.ToInt32(in.Port))),
		LoadBalancerArn: in.LoadBalancerArn,
		Port:            in.Port,
		Protocol:        in.Protocol,
		DefaultActions:  in.DefaultActions,
	}
	f.listeners[lbARN] = append(f.listeners[lbARN], l)
	return &elbv2.CreateListenerOutput{Listeners: []elbtypes.Listener{l}}, nil
}

func (f *fakeELB) DescribeTargetHealth(_ context.Context, in *elbv2.DescribeTargetHealthInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.DescribeTargetHealth"); err != nil {
		return nil, err
	}
	out := &elbv2.DescribeTargetHealthOutput{}
	for _, id := range f.targets[aws.ToString(in.TargetGroupArn)] {
		out.TargetHealthDescriptions = append(out.TargetHealthDescriptions, elbtypes.TargetHealthDescription{
			Target:       &elbtypes.TargetDescription{Id: aws.String(id)},
			TargetHealth: &elbtypes.TargetHealth{State: f.targetState},
		})
	}
	return out, nil
}

func (f *fakeELB) RegisterTargets(_ context.Context, in *elbv2.RegisterTargetsInput, _ ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ELB.RegisterTargets"); err != nil {
		return nil, err
	}
	arn := aws.ToString(in.TargetGroupArn)
	for _, t := range in.Targets {
		f.targets[arn] = append(f.targets[arn], aws.ToString(t.Id))
	}
	return &elbv2.RegisterTargetsOutput{}, nil
}

type fakeSNS struct{ *fakeAWS }

func (f *fakeSNS) CreateTopic(_ context.Context, in *sns.CreateTopicInput, _ ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SNS.CreateTopic"); err != nil {
		return nil, err
	}
	arn := "arn:aws:sns:us-east-1:123456789012:" + aws.ToString(in.Name)
	f.topics[arn] = true
	return &sns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (f *fakeSNS) DeleteTopic(_ context.Context, in *sns.DeleteTopicInput, _ ...func(*sns.Options)) (*sns.DeleteTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SNS.DeleteTopic"); err != nil {
		return nil, err
	}
	delete(f.topics, aws.ToString(in.TopicArn))
	return &sns.DeleteTopicOutput{}, nil
}

func (f *fakeSNS) GetTopicAttributes(_ context.Context, in *sns.GetTopicAttributesInput, _ ...func(*sns.Options)) (*sns.GetTopicAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SNS.GetTopicAttributes"); err != nil {
		return nil, err
	}
	if !f.topics[aws.ToString(in.TopicArn)] {
		return nil, apiErr(codeSNSNotFound)
	}
	return &sns.GetTopicAttributesOutput{Attributes: map[string]string{"TopicArn": aws.ToString(in.TopicArn)}}, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SNS.Subscribe"); err != nil {
		return nil, err
	}
	key := aws.ToString(in.TopicArn) + "|" + aws.ToString(in.Endpoint)
	f.subscribed[key] = true
	return &sns.SubscribeOutput{SubscriptionArn: aws.String(aws.ToString(in.TopicArn) + ":sub")}, nil
}

type fakeSQS struct{ *fakeAWS }

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SQS.CreateQueue"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.QueueName)
	url := "https://sqs.us-east-1.amazonaws.com/123456789012/" + name
	f.queues[name] = url
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SQS.GetQueueUrl"); err != nil {
		return nil, err
	}
	url, ok := f.queues[aws.ToString(in.QueueName)]
	if !ok {
		return nil, apiErr(codeQueueNotFound)
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SQS.GetQueueAttributes"); err != nil {
		return nil, err
	}
	url := aws.ToString(in.QueueUrl)
	name := url[strings.LastIndexByte(url, '/')+1:]
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		attrQueueArn: "arn:aws:sqs:us-east-1:123456789012:" + name,
	}}, nil
}

func (f *fakeSQS) SetQueueAttributes(_ context.Context, _ *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SQS.SetQueueAttributes"); err != nil {
		return nil, err
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) DeleteQueue(_ context.Context, in *sqs.DeleteQueueInput, _ ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("SQS.DeleteQueue"); err != nil {
		return nil, err
	}
	for name, url := range f.queues {
		if url == aws.ToString(in.QueueUrl) {
			delete(f.queues, name)
		}
	}
	return &sqs.DeleteQueueOutput{}, nil
}

type fakeIAM struct{ *fakeAWS }

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.CreateRole"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.RoleName)
	if f.roles[name] {
		return nil, apiErr(codeEntityAlreadyExists)
	}
	f.roles[name] = true
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::123456789012:role/" + name)}}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.DeleteRole"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.RoleName)
	if !f.roles[name] {
		return nil, apiErr(codeNoSuchEntity)
	}
	delete(f.roles, name)
	return &iam.DeleteRoleOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.PutRolePolicy"); err != nil {
		return nil, err
	}
	f.rolePolicy[aws.ToString(in.RoleName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.DeleteRolePolicy"); err != nil {
		return nil, err
	}
	if _, ok := f.rolePolicy[aws.ToString(in.RoleName)]; !ok {
		return nil, apiErr(codeNoSuchEntity)
	}
	delete(f.rolePolicy, aws.ToString(in.RoleName))
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) GetInstanceProfile(_ context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.GetInstanceProfile"); err != nil {
		return nil, err
	}
	p, ok := f.profiles[aws.ToString(in.InstanceProfileName)]
	if !ok {
		return nil, apiErr(codeNoSuchEntity)
	}
	out := *p
	return &iam.GetInstanceProfileOutput{InstanceProfile: &out}, nil
}

func (f *fakeIAM) CreateInstanceProfile(_ context.Context, in *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.CreateInstanceProfile"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; ok {
		return nil, apiErr(codeEntityAlreadyExists)
	}
	p := &iamtypes.InstanceProfile{InstanceProfileName: in.InstanceProfileName}
	f.profiles[name] = p
	out := *p
	return &iam.CreateInstanceProfileOutput{InstanceProfile: &out}, nil
}

func (f *fakeIAM) AddRoleToInstanceProfile(_ context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.AddRoleToInstanceProfile"); err != nil {
		return nil, err
	}
	p, ok := f.profiles[aws.ToString(in.InstanceProfileName)]
	if !ok {
		return nil, apiErr(codeNoSuchEntity)
	}
	if len(p.Roles) > 0 {
		return nil, apiErr(codeLimitExceeded)
	}
	p.Roles = append(p.Roles, iamtypes.Role{RoleName: in.RoleName})
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (f *fakeIAM) RemoveRoleFromInstanceProfile(_ context.Context, in *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.RemoveRoleFromInstanceProfile"); err != nil {
		return nil, err
	}
	p, ok := f.profiles[aws.ToString(in.InstanceProfileName)]
	if !ok || len(p.Roles) == 0 {
		return nil, apiErr(codeNoSuchEntity)
	}
	p.Roles = nil
	return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
}

func (f *fakeIAM) DeleteInstanceProfile(_ context.Context, in *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IAM.DeleteInstanceProfile"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; !ok {
		return nil, apiErr(codeNoSuchEntity)
	}
	delete(f.profiles, name)
	return &iam.DeleteInstanceProfileOutput{}, nil
}

type fakeSTS struct{ *fakeAWS }

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("STS.GetCallerIdentity"); err != nil {
		return nil, err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}
