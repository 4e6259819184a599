package cloud

import (
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Harness tag keys. 'name' holds the test identity, 'integration_user'
// the owning user, 'prepared' marks a completed one-time setup.
const (
	TagName     = "name"
	TagOwner    = "integration_user"
	TagPrepared = "prepared"
)

// Instance is the harness's view of a provisioned VM. The provider owns
// the resource; this is only a snapshot taken at describe time.
type Instance struct {
	ID       string
	PublicIP string
	State    types.InstanceStateName
	Tags     map[string]string
}

// Name returns the test identity tag value.
func (i *Instance) Name() string {
	return i.Tags[TagName]
}

// Running reports whether the snapshot saw the instance in the running
// lifecycle state.
func (i *Instance) Running() bool {
	return i.State == types.InstanceStateNameRunning
}

// Prepared reports the 'prepared' marker as of this snapshot. Callers
// that need a fresh answer should re-describe the instance first.
func (i *Instance) Prepared() bool {
	return i.Tags[TagPrepared] == "true"
}

func fromEC2(in types.Instance) *Instance {
	inst := &Instance{
		Tags: make(map[string]string, len(in.Tags)),
	}
	if in.InstanceId != nil {
		inst.ID = *in.InstanceId
	}
	if in.PublicIpAddress != nil {
		inst.PublicIP = *in.PublicIpAddress
	}
	if in.State != nil {
		inst.State = in.State.Name
	}
	for _, tag := range in.Tags {
		if tag.Key != nil && tag.Value != nil {
			inst.Tags[*tag.Key] = *tag.Value
		}
	}
	return inst
}
