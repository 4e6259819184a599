// Package cloudtest provides an in-memory EC2 API fake for harness
// tests. It honors the subset of filters the harness uses and lets tests
// drive lifecycle transitions explicitly.
package cloudtest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// Instance is the fake's record of a launched instance.
type Instance struct {
	ID       string
	State    types.InstanceStateName
	PublicIP string
	Tags     map[string]string
}

// FakeEC2 implements cloud.API against in-memory state.
type FakeEC2 struct {
	mu        sync.Mutex
	instances map[string]*Instance
	keyPairs  map[string]bool
	nextID    int

	// AutoRunning makes RunInstances report instances running immediately,
	// with AutoIP as the public address. Without it instances stay pending
	// until SetRunning is called.
	AutoRunning bool
	AutoIP      string

	// Ops records API operation names in call order.
	Ops []string
}

func New() *FakeEC2 {
	return &FakeEC2{
		instances: make(map[string]*Instance),
		keyPairs:  make(map[string]bool),
	}
}

// SetRunning transitions an instance to running with the given address.
func (f *FakeEC2) SetRunning(id, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.State = types.InstanceStateNameRunning
		inst.PublicIP = ip
	}
}

// Add seeds an instance directly, bypassing RunInstances.
func (f *FakeEC2) Add(inst Instance) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.ID == "" {
		f.nextID++
		inst.ID = fmt.Sprintf("i-%08d", f.nextID)
	}
	if inst.Tags == nil {
		inst.Tags = make(map[string]string)
	}
	f.instances[inst.ID] = &inst
	return inst.ID
}

// Get returns a copy of the instance record.
func (f *FakeEC2) Get(id string) (Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, false
	}
	cp := *inst
	cp.Tags = make(map[string]string, len(inst.Tags))
	for k, v := range inst.Tags {
		cp.Tags[k] = v
	}
	return cp, true
}

// CountOps returns how many times the named operation was called.
func (f *FakeEC2) CountOps(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.Ops {
		if op == name {
			n++
		}
	}
	return n
}

func (f *FakeEC2) RunInstances(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, "RunInstances")

	f.nextID++
	inst := &Instance{
		ID:    fmt.Sprintf("i-%08d", f.nextID),
		State: types.InstanceStateNamePending,
		Tags:  make(map[string]string),
	}
	for _, spec := range params.TagSpecifications {
		for _, tag := range spec.Tags {
			inst.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	if f.AutoRunning {
		inst.State = types.InstanceStateNameRunning
		inst.PublicIP = f.AutoIP
	}
	f.instances[inst.ID] = inst

	return &ec2.RunInstancesOutput{
		Instances: []types.Instance{f.toEC2(inst)},
	}, nil
}

func (f *FakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, "DescribeInstances")

	var matched []types.Instance
	for _, inst := range f.instances {
		if len(params.InstanceIds) > 0 && !slices.Contains(params.InstanceIds, inst.ID) {
			continue
		}
		if !matchFilters(inst, params.Filters) {
			continue
		}
		matched = append(matched, f.toEC2(inst))
	}

	out := &ec2.DescribeInstancesOutput{}
	if len(matched) > 0 {
		out.Reservations = []types.Reservation{{Instances: matched}}
	}
	return out, nil
}

func (f *FakeEC2) CreateTags(_ context.Context, params *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, "CreateTags")

	for _, id := range params.Resources {
		inst, ok := f.instances[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: id}
		}
		for _, tag := range params.Tags {
			inst.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *FakeEC2) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, "TerminateInstances")

	for _, id := range params.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: id}
		}
		inst.State = types.InstanceStateNameTerminated
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *FakeEC2) ImportKeyPair(_ context.Context, params *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, "ImportKeyPair")

	name := aws.ToString(params.KeyName)
	if f.keyPairs[name] {
		return nil, &smithy.GenericAPIError{
			Code:    "InvalidKeyPair.Duplicate",
			Message: fmt.Sprintf("The keypair %q already exists.", name),
		}
	}
	f.keyPairs[name] = true
	return &ec2.ImportKeyPairOutput{KeyName: params.KeyName}, nil
}

func (f *FakeEC2) toEC2(inst *Instance) types.Instance {
	out := types.Instance{
		InstanceId: aws.String(inst.ID),
		State:      &types.InstanceState{Name: inst.State},
	}
	if inst.PublicIP != "" {
		out.PublicIpAddress = aws.String(inst.PublicIP)
	}
	for k, v := range inst.Tags {
		out.Tags = append(out.Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func matchFilters(inst *Instance, filters []types.Filter) bool {
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		switch {
		case name == "instance-state-name":
			if !slices.Contains(filter.Values, string(inst.State)) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			if !slices.Contains(filter.Values, inst.Tags[strings.TrimPrefix(name, "tag:")]) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
