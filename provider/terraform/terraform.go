// Package terraform implements the cloud sandbox provider. Each instance
// gets its own isolated Terraform workspace rendered from the challenge's
// template; spawn is init+apply, destroy is the exact inverse against that
// workspace's state. For AWS-backed sandboxes the liveness check goes to the
// EC2 API directly rather than trusting local state.
package terraform // import "github.com/cyberpedia/orchestrator/provider/terraform"

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"

	"github.com/cyberpedia/orchestrator/config"
	logger "github.com/cyberpedia/orchestrator/cyberlogger"
	"github.com/cyberpedia/orchestrator/instance"
	"github.com/cyberpedia/orchestrator/provider"
	"github.com/cyberpedia/orchestrator/types"
	"github.com/cyberpedia/orchestrator/utils"
)

// instanceTagKey is the tag Terraform templates must put on every machine
// they create, valued with our instance ID. The EC2 liveness check keys off
// it.
const instanceTagKey = "OrchestratorInstance"

// ec2DescribeAPI is the slice of the EC2 client the provider needs, kept as
// an interface so tests can fake the cloud.
type ec2DescribeAPI interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Provider is the cloud sandbox provider. One Provider serves one sandbox
// type (cloud-aws or cloud-gcp); the template directory decides what the
// workspaces actually build.
type Provider struct {
	sandboxType types.SandboxType
	execPath    string
	templateDir string
	workspToDir string

	ec2Client ec2DescribeAPI
}

// New creates a cloud provider for the given sandbox type. AWS providers get
// an EC2 client for authoritative liveness checks; other clouds fall back to
// Terraform state.
func New(ctx context.Context, sandboxType types.SandboxType) (*Provider, error) {
	if sandboxType != types.SandboxTypeCloudAWS && sandboxType != types.SandboxTypeCloudGCP {
		return nil, utils.MakeError("sandbox type %s is not a cloud type", sandboxType)
	}

	execPath, templateDir, workspaceDir := config.GetTerraformPaths()
	if _, err := os.Stat(execPath); err != nil {
		return nil, utils.MakeError("terraform binary %s not usable: %s", execPath, err)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, utils.MakeError("couldn't create terraform workspace root: %s", err)
	}

	p := &Provider{
		sandboxType: sandboxType,
		execPath:    execPath,
		templateDir: templateDir,
		workspToDir: workspaceDir,
	}

	if sandboxType == types.SandboxTypeCloudAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.GetAWSRegion()))
		if err != nil {
			return nil, utils.MakeError("couldn't load AWS config: %s", err)
		}
		p.ec2Client = ec2.NewFromConfig(awsCfg)
	}

	return p, nil
}

// Name returns the sandbox type this provider serves.
func (p *Provider) Name() types.SandboxType {
	return p.sandboxType
}

// workspacePath returns the isolated Terraform workspace directory for one
// instance.
func (p *Provider) workspacePath(id types.InstanceID) string {
	return filepath.Join(p.workspToDir, id.String())
}

// terraformFor opens a Terraform handle scoped to one instance's workspace.
func (p *Provider) terraformFor(id types.InstanceID) (*tfexec.Terraform, error) {
	tf, err := tfexec.NewTerraform(p.workspacePath(id), p.execPath)
	if err != nil {
		return nil, utils.MakeError("couldn't open terraform workspace for instance %s: %s", id, err)
	}
	return tf, nil
}

// spawnVars renders the per-instance variables every challenge template
// receives.
func spawnVars(inst instance.ChallengeInstance) []*tfexec.VarOption {
	vars := []*tfexec.VarOption{
		tfexec.Var(utils.Sprintf("instance_id=%s", inst.GetID())),
		tfexec.Var(utils.Sprintf("challenge_id=%s", inst.GetChallengeID())),
		tfexec.Var(utils.Sprintf("user_id=%s", inst.GetUserID())),
		tfexec.Var(utils.Sprintf("canary_token=%s", inst.GetCanaryToken())),
	}
	if team := inst.GetTeamID(); team != "" {
		vars = append(vars, tfexec.Var(utils.Sprintf("team_id=%s", team)))
	}
	return vars
}

// Spawn materializes cloud infrastructure for the instance: copy the
// challenge template into a fresh workspace, init, apply, read outputs.
// The whole operation runs under the cloud operation deadline.
func (p *Provider) Spawn(ctx context.Context, inst instance.ChallengeInstance) (*provider.SpawnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, config.GetCloudOperationTimeout())
	defer cancel()

	template := filepath.Join(p.templateDir, string(inst.GetChallengeID()))
	workspace := p.workspacePath(inst.GetID())
	if err := copyTemplate(template, workspace); err != nil {
		return nil, utils.MakeError("couldn't prepare workspace for instance %s: %s", inst.GetID(), err)
	}

	tf, err := p.terraformFor(inst.GetID())
	if err != nil {
		p.removeWorkspace(inst.GetID())
		return nil, err
	}

	if err := tf.Init(ctx, tfexec.Upgrade(false)); err != nil {
		p.removeWorkspace(inst.GetID())
		return nil, utils.MakeError("terraform init failed for instance %s: %s", inst.GetID(), err)
	}

	applyOpts := make([]tfexec.ApplyOption, 0, 5)
	for _, v := range spawnVars(inst) {
		applyOpts = append(applyOpts, v)
	}
	if err := tf.Apply(ctx, applyOpts...); err != nil {
		// Half-built infrastructure is worse than none: run the inverse
		// before reporting failure. Destroy works off the recorded state,
		// so whatever apply managed to create gets released.
		logger.Warningf("terraform apply failed for instance %s, rolling back: %s", inst.GetID(), err)
		p.destroyWorkspace(inst)
		return nil, classifyTerraformError(err)
	}
	logger.Infof("Spawn(): terraform apply finished for instance %s", inst.GetID())

	outputs, err := tf.Output(ctx)
	if err != nil {
		p.destroyWorkspace(inst)
		return nil, utils.MakeError("couldn't read terraform outputs for instance %s: %s", inst.GetID(), err)
	}

	result := &provider.SpawnResult{
		ProviderInstanceID: types.ProviderInstanceID(outputString(outputs, "provider_instance_id")),
		AccessURL:          outputString(outputs, "access_url"),
		ConnectionString:   outputString(outputs, "connection_string"),
		Network: instance.NetworkConfig{
			ExternalIP: outputString(outputs, "public_ip"),
			InternalIP: outputString(outputs, "private_ip"),
			Hostname:   outputString(outputs, "hostname"),
		},
	}
	if result.ProviderInstanceID == "" {
		p.destroyWorkspace(inst)
		return nil, utils.MakeError("template for challenge %s produced no provider_instance_id output", inst.GetChallengeID())
	}
	return result, nil
}

// Destroy runs terraform destroy against the instance's workspace and then
// removes the workspace. A missing workspace means the instance was never
// built or is already gone, which is a success.
func (p *Provider) Destroy(ctx context.Context, inst instance.ChallengeInstance) error {
	if _, err := os.Stat(p.workspacePath(inst.GetID())); os.IsNotExist(err) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.GetCloudOperationTimeout())
	defer cancel()

	tf, err := p.terraformFor(inst.GetID())
	if err != nil {
		return err
	}

	destroyOpts := make([]tfexec.DestroyOption, 0, 5)
	for _, v := range spawnVars(inst) {
		destroyOpts = append(destroyOpts, v)
	}
	if err := tf.Destroy(ctx, destroyOpts...); err != nil {
		return utils.MakeError("terraform destroy failed for instance %s: %s", inst.GetID(), err)
	}

	p.removeWorkspace(inst.GetID())
	return nil
}

// destroyWorkspace is the best-effort rollback path for failed spawns, run
// under its own deadline because the spawn's context may already be dead.
func (p *Provider) destroyWorkspace(inst instance.ChallengeInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), config.GetCloudOperationTimeout())
	defer cancel()

	if err := p.Destroy(ctx, inst); err != nil {
		logger.Errorf("rollback of instance %s left cloud resources behind: %s", inst.GetID(), err)
		return
	}
}

func (p *Provider) removeWorkspace(id types.InstanceID) {
	if err := os.RemoveAll(p.workspacePath(id)); err != nil {
		logger.Warningf("couldn't remove terraform workspace for instance %s: %s", id, err)
	}
}

// Exists checks the real cloud. On AWS we ask EC2 for machines tagged with
// our instance ID; elsewhere we fall back to whether the workspace still
// holds state with resources in it.
func (p *Provider) Exists(ctx context.Context, inst instance.ChallengeInstance) (bool, error) {
	if p.ec2Client != nil {
		return p.existsOnEC2(ctx, inst.GetID())
	}
	return p.existsInState(ctx, inst.GetID())
}

func (p *Provider) existsOnEC2(ctx context.Context, id types.InstanceID) (bool, error) {
	out, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + instanceTagKey), Values: []string{id.String()}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return false, utils.MakeError("couldn't query EC2 for instance %s: %s", id, err)
	}

	for _, reservation := range out.Reservations {
		if len(reservation.Instances) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) existsInState(ctx context.Context, id types.InstanceID) (bool, error) {
	if _, err := os.Stat(p.workspacePath(id)); os.IsNotExist(err) {
		return false, nil
	}

	tf, err := p.terraformFor(id)
	if err != nil {
		return false, err
	}
	state, err := tf.Show(ctx)
	if err != nil {
		return false, utils.MakeError("couldn't read terraform state for instance %s: %s", id, err)
	}
	return stateHasResources(state), nil
}

func stateHasResources(state *tfjson.State) bool {
	return state != nil && state.Values != nil && state.Values.RootModule != nil &&
		len(state.Values.RootModule.Resources) > 0
}

// Logs is not available for cloud sandboxes; players get console access
// through the connection string instead.
func (p *Provider) Logs(ctx context.Context, inst instance.ChallengeInstance, tailLines int) (string, error) {
	return "", nil
}

// Exec is not supported for cloud sandboxes.
func (p *Provider) Exec(ctx context.Context, inst instance.ChallengeInstance, cmd []string) (string, error) {
	return "", utils.MakeError("exec is not supported for cloud sandboxes")
}

// GetStats is not measurable from here; cloud metrics live with the cloud's
// own monitoring.
func (p *Provider) GetStats(ctx context.Context, inst instance.ChallengeInstance) (provider.Stats, error) {
	return provider.Stats{}, nil
}

// outputString extracts a string-typed Terraform output, tolerating its
// absence.
func outputString(outputs map[string]tfexec.OutputMeta, key string) string {
	meta, ok := outputs[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(meta.Value, &value); err != nil {
		return ""
	}
	return value
}

// copyTemplate copies the (flat) challenge template directory into a fresh
// workspace.
func copyTemplate(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// classifyTerraformError maps cloud-side apply failures onto the shared
// provider taxonomy.
func classifyTerraformError(err error) error {
	msg := err.Error()
	for _, capacity := range []string{
		"InsufficientInstanceCapacity",
		"VcpuLimitExceeded",
		"InstanceLimitExceeded",
		"RequestLimitExceeded",
		"QUOTA_EXCEEDED",
	} {
		if strings.Contains(msg, capacity) {
			return provider.ResourceExhausted("cloud capacity exhausted: %s", err)
		}
	}
	return utils.MakeError("terraform apply failed: %s", err)
}
