package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/seiro/internal/build"
	"github.com/jkaninda/seiro/internal/service"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// Tool names.
const (
	ToolValidateSandboxPolicy = "validate_sandbox_policy"
	ToolBuildVisionOSApp      = "build_visionos_app"
	ToolFetchBuildOutput      = "fetch_build_output"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolValidateSandboxPolicy,
		mcp.WithDescription("Check whether a visionOS build may run for a project: allowed paths, installed SDKs, developer mode, Xcode license and free disk space. Read-only."),
		mcp.WithString("project_path", mcp.Required(), mcp.Description("Absolute path to the project directory, .xcodeproj or .xcworkspace.")),
		mcp.WithString("scheme", mcp.Description("Scheme to check against the scheme allowlist.")),
		mcp.WithArray("required_sdks", mcp.Items(map[string]any{"type": "string"}), mcp.Description("SDK names that must be installed. Defaults to the configured list.")),
		mcp.WithString("xcode_path", mcp.Description("Absolute Xcode developer directory. Defaults to the configured one.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleValidate)

	s.mcp.AddTool(mcp.NewTool(ToolBuildVisionOSApp,
		mcp.WithDescription("Run a sandboxed xcodebuild for a visionOS scheme and package the products into a zip artifact. Blocks until the build finishes or times out."),
		mcp.WithString("project_path", mcp.Required(), mcp.MaxLength(build.MaxProjectPathLen), mcp.Description("Absolute path to the project directory or .xcodeproj.")),
		mcp.WithString("workspace", mcp.MaxLength(build.MaxProjectPathLen), mcp.Description("Absolute path to an .xcworkspace; takes precedence over project_path for xcodebuild.")),
		mcp.WithString("scheme", mcp.Required(), mcp.MaxLength(build.MaxSchemeLen), mcp.Description("Scheme to build.")),
		mcp.WithString("destination", mcp.MaxLength(build.MaxDestinationLen), mcp.Description("xcodebuild destination. Default: "+build.DefaultDestination)),
		mcp.WithString("configuration", mcp.Enum(build.ConfigurationDebug, build.ConfigurationRelease), mcp.Description("Build configuration. Default: Debug.")),
		mcp.WithBoolean("clean", mcp.Description("Run a clean before building.")),
		mcp.WithArray("extra_args", mcp.Items(map[string]any{"type": "string", "enum": build.AllowedExtraArgs}), mcp.Description("Additional allow-listed xcodebuild flags.")),
		mcp.WithObject("env_overrides", mcp.AdditionalProperties(map[string]any{"type": "string"}), mcp.Description("Environment overrides; keys must be allow-listed.")),
		mcp.WithDestructiveHintAnnotation(false),
	), s.handleBuild)

	s.mcp.AddTool(mcp.NewTool(ToolFetchBuildOutput,
		mcp.WithDescription("Return the artifact path, SHA-256 digest and remaining download TTL of a finished build."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("The job_id returned by build_visionos_app.")),
		mcp.WithBoolean("include_logs", mcp.Description("Include the build log excerpt. Default: true.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleFetch)
}

func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in service.ValidateInput
	if err := req.BindArguments(&in); err != nil {
		return errorResult(toolerr.Wrap(toolerr.InvalidRequest, err, "invalid arguments")), nil
	}
	out, err := s.ops.ValidateSandboxPolicy(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out), nil
}

func (s *Server) handleBuild(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in build.Request
	if err := req.BindArguments(&in); err != nil {
		return errorResult(toolerr.Wrap(toolerr.InvalidRequest, err, "invalid arguments")), nil
	}
	out, err := s.ops.BuildVisionOSApp(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out), nil
}

func (s *Server) handleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in service.FetchInput
	if err := req.BindArguments(&in); err != nil {
		return errorResult(toolerr.Wrap(toolerr.InvalidRequest, err, "invalid arguments")), nil
	}
	out, err := s.ops.FetchBuildOutput(ctx, in)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(out), nil
}

// errorResult reports a failure as a tool result, never as a protocol error,
// so the client always receives the code and remediation.
func errorResult(err error) *mcp.CallToolResult {
	te := toolerr.From(err)
	b, mErr := json.Marshal(te.Envelope())
	if mErr != nil {
		return mcp.NewToolResultError(te.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(b))},
		IsError: true,
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(toolerr.Wrap(toolerr.Internal, err, "encoding result"))
	}
	return mcp.NewToolResultText(string(b))
}
