package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/require"

	"github.com/micahrl/sitesync/internal/fakes"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const resizeJSON = `{
  "functionName": "resize",
  "handler": "bootstrap",
  "runtime": "provided.al2023",
  "s3Key": "lambda/resize.zip",
  "description": "Resizes images",
  "memorySize": 512,
  "timeout": 30,
  "environment": {"QUALITY": "80"},
  "vpc": "subnet-a, subnet-b",
  "securityGroups": ["sg-1"],
  "logRetention": 14
}`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-resize.json", resizeJSON)
	writeFile(t, dir, "a-hello.json", `{"functionName":"hello","handler":"index.handler","runtime":"nodejs20.x","s3Key":"lambda/hello.zip"}`)
	writeFile(t, dir, "c-old.disabled.json", `{"functionName":"old"}`)
	writeFile(t, dir, "notes.txt", "not json")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	configs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	require.Equal(t, "hello", configs[0].FunctionName)

	fc := configs[1]
	require.Equal(t, "resize", fc.FunctionName)
	require.Equal(t, int32(512), fc.MemorySize)
	require.Equal(t, int32(30), fc.Timeout)
	require.Equal(t, map[string]string{"QUALITY": "80"}, fc.Environment)
	require.Equal(t, []string{"subnet-a", "subnet-b"}, fc.Subnets())
	require.Equal(t, []string{"sg-1"}, fc.SecurityGroups)
	require.Equal(t, filepath.Join(dir, "b-resize.json"), fc.Path)
}

func TestLoadDir_MissingKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fn.json", `{"functionName":"x","runtime":"nodejs20.x"}`)

	_, err := LoadDir(dir)
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "handler, s3Key")
}

func TestLoadDir_UnknownRuntime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fn.json", `{"functionName":"x","handler":"h","runtime":"cobol85","s3Key":"k"}`)

	_, err := LoadDir(dir)
	require.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestLoadDir_BadRetention(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fn.json", `{"functionName":"x","handler":"h","runtime":"nodejs20.x","s3Key":"k","logRetention":2}`)

	_, err := LoadDir(dir)
	require.ErrorIs(t, err, ErrInvalidRetention)
}

func TestLoadDir_BadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fn.json", `{"functionName":`)

	_, err := LoadDir(dir)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func loadResize(t *testing.T) *FunctionConfig {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "resize.json", resizeJSON)
	fc, err := LoadFile(filepath.Join(dir, "resize.json"))
	require.NoError(t, err)
	return fc
}

func TestDeploy_Creates(t *testing.T) {
	lc, logs := fakes.NewLambda(), fakes.NewLogs()
	d := NewDeployer(lc, logs, Options{Bucket: "artifacts", DefaultRole: "arn:aws:iam::1:role/default"})

	require.NoError(t, d.Deploy(context.Background(), loadResize(t)))

	fn := lc.Functions["resize"]
	require.NotNil(t, fn)
	require.Equal(t, "artifacts", aws.ToString(fn.Code.S3Bucket))
	require.Equal(t, "lambda/resize.zip", aws.ToString(fn.Code.S3Key))
	require.Equal(t, lambdatypes.Runtime("provided.al2023"), fn.Config.Runtime)
	require.Equal(t, "arn:aws:iam::1:role/default", aws.ToString(fn.Config.Role))
	require.Equal(t, int32(512), aws.ToInt32(fn.Config.MemorySize))
	require.Equal(t, []string{"subnet-a", "subnet-b"}, fn.Config.VpcConfig.SubnetIds)
	require.Equal(t, []string{"sg-1"}, fn.Config.VpcConfig.SecurityGroupIds)
	require.Equal(t, "80", fn.Config.Environment.Variables["QUALITY"])
	require.Equal(t, 1, fn.Versions)
	require.Equal(t, map[string]int32{"/aws/lambda/resize": 14}, logs.Retention)
}

func TestDeploy_Updates(t *testing.T) {
	lc := fakes.NewLambda()
	lc.Functions["resize"] = &fakes.LambdaFunction{Config: lambdatypes.FunctionConfiguration{
		FunctionName:     aws.String("resize"),
		Handler:          aws.String("old"),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}}
	fc := loadResize(t)
	fc.RoleARN = "arn:aws:iam::1:role/own"
	d := NewDeployer(lc, fakes.NewLogs(), Options{Bucket: "artifacts"})

	require.NoError(t, d.Deploy(context.Background(), fc))

	fn := lc.Functions["resize"]
	require.Equal(t, "bootstrap", aws.ToString(fn.Config.Handler))
	require.Equal(t, "arn:aws:iam::1:role/own", aws.ToString(fn.Config.Role))
	require.Equal(t, "lambda/resize.zip", aws.ToString(fn.Code.S3Key))
	require.Equal(t, 1, fn.Versions)
	require.NotContains(t, lc.Calls, "CreateFunction resize")
	require.Equal(t, "UpdateFunctionCode resize", lc.Calls[len(lc.Calls)-1])
}

func TestDeploy_NoRole(t *testing.T) {
	lc := fakes.NewLambda()
	err := NewDeployer(lc, fakes.NewLogs(), Options{Bucket: "artifacts"}).Deploy(context.Background(), loadResize(t))
	require.ErrorIs(t, err, ErrNoRole)
	require.Empty(t, lc.Calls)
}

func TestDeploy_RetentionFailure(t *testing.T) {
	logs := fakes.NewLogs()
	logs.Err = errors.New("ResourceNotFoundException")
	d := NewDeployer(fakes.NewLambda(), logs, Options{Bucket: "artifacts", DefaultRole: "arn:role"})

	require.ErrorIs(t, d.Deploy(context.Background(), loadResize(t)), logs.Err)
}

func TestDeployAll_StopsAtFirstFailure(t *testing.T) {
	lc := fakes.NewLambda()
	lc.CodeErr = errors.New("ServiceException")
	lc.Functions["a"] = &fakes.LambdaFunction{Config: lambdatypes.FunctionConfiguration{
		FunctionName:     aws.String("a"),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
	}}
	configs := []FunctionConfig{
		{FunctionName: "a", Handler: "h", Runtime: "nodejs20.x", S3Key: "lambda/a.zip"},
		{FunctionName: "b", Handler: "h", Runtime: "nodejs20.x", S3Key: "lambda/b.zip"},
	}
	d := NewDeployer(lc, fakes.NewLogs(), Options{Bucket: "artifacts", DefaultRole: "arn:role"})

	require.ErrorIs(t, d.DeployAll(context.Background(), configs), lc.CodeErr)
	require.NotContains(t, lc.Calls, "GetFunction b")
}
