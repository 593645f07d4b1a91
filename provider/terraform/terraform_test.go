package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/terraform-exec/tfexec"

	"github.com/cyberpedia/orchestrator/config"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
)

func TestMain(m *testing.M) {
	if err := config.Initialize(""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeEC2 returns scripted DescribeInstances responses and records the
// filters it was queried with.
type fakeEC2 struct {
	reservations []ec2types.Reservation
	err          error
	lastInput    *ec2.DescribeInstancesInput
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput,
	optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.DescribeInstancesOutput{Reservations: f.reservations}, nil
}

func cloudInstance(t *testing.T) instance.ChallengeInstance {
	t.Helper()
	return instance.New("cloud-pivot-301", "user-1", "team-9", types.SandboxTypeCloudAWS,
		instance.ResourceLimits{}, instance.SecurityProfile{}, nil, time.Hour)
}

func TestExistsOnEC2(t *testing.T) {
	fake := &fakeEC2{
		reservations: []ec2types.Reservation{
			{Instances: []ec2types.Instance{{}}},
		},
	}
	p := &Provider{sandboxType: types.SandboxTypeCloudAWS, ec2Client: fake}
	inst := cloudInstance(t)

	exists, err := p.Exists(context.Background(), inst)
	if err != nil {
		t.Fatalf("Exists failed: %s", err)
	}
	if !exists {
		t.Errorf("running EC2 machine reported missing")
	}

	// The query must filter on our instance tag and on live states only.
	var sawTag, sawStates bool
	for _, filter := range fake.lastInput.Filters {
		switch *filter.Name {
		case "tag:" + instanceTagKey:
			sawTag = len(filter.Values) == 1 && filter.Values[0] == inst.GetID().String()
		case "instance-state-name":
			sawStates = len(filter.Values) == 2
		}
	}
	if !sawTag || !sawStates {
		t.Errorf("EC2 query filters incomplete: %+v", fake.lastInput.Filters)
	}

	fake.reservations = nil
	exists, err = p.Exists(context.Background(), inst)
	if err != nil {
		t.Fatalf("Exists failed: %s", err)
	}
	if exists {
		t.Errorf("terminated EC2 machine reported present")
	}

	fake.err = errors.New("RequestLimitExceeded: throttled")
	if _, err := p.Exists(context.Background(), inst); err == nil {
		t.Errorf("EC2 query failure swallowed; a flaky check must not look like a missing machine")
	}
}

func TestDestroyOfUnknownWorkspaceSucceeds(t *testing.T) {
	workspaceDir := t.TempDir()
	p := &Provider{
		sandboxType: types.SandboxTypeCloudAWS,
		workspToDir: workspaceDir,
	}

	// No workspace was ever created for this instance; destroy is a no-op.
	if err := p.Destroy(context.Background(), cloudInstance(t)); err != nil {
		t.Errorf("destroy of never-built instance failed: %s", err)
	}
}

func TestSpawnVars(t *testing.T) {
	inst := cloudInstance(t)
	if err := inst.AssignCanaryToken("canary-tf-test"); err != nil {
		t.Fatal(err)
	}

	vars := spawnVars(inst)
	if len(vars) != 5 {
		t.Errorf("spawnVars produced %d vars, want 5 (with team)", len(vars))
	}

	solo := instance.New("cloud-pivot-301", "user-1", "", types.SandboxTypeCloudAWS,
		instance.ResourceLimits{}, instance.SecurityProfile{}, nil, time.Hour)
	if vars := spawnVars(solo); len(vars) != 4 {
		t.Errorf("spawnVars for teamless user produced %d vars, want 4", len(vars))
	}
}

func TestOutputString(t *testing.T) {
	outputs := map[string]tfexec.OutputMeta{
		"access_url": {Value: json.RawMessage(`"https://challs.cyberpedia.io/vm/abc"`)},
		"port_count": {Value: json.RawMessage(`3`)},
	}

	if got := outputString(outputs, "access_url"); got != "https://challs.cyberpedia.io/vm/abc" {
		t.Errorf("access_url = %q", got)
	}
	if got := outputString(outputs, "missing"); got != "" {
		t.Errorf("missing output = %q, want empty", got)
	}
	// Non-string outputs are ignored rather than panicking.
	if got := outputString(outputs, "port_count"); got != "" {
		t.Errorf("non-string output = %q, want empty", got)
	}
}

func TestClassifyTerraformError(t *testing.T) {
	capacity := errors.New("Error launching source instance: InsufficientInstanceCapacity")
	if err := classifyTerraformError(capacity); !errors.Is(err, provider.ErrResourceExhausted) {
		t.Errorf("capacity error not classified: %v", err)
	}

	misconfig := errors.New("Invalid value for variable instance_id")
	if err := classifyTerraformError(misconfig); errors.Is(err, provider.ErrResourceExhausted) {
		t.Errorf("template error classified as capacity")
	}
}
