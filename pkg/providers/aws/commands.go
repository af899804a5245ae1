package aws

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// commandGrace is how long polling continues past the execution timeout
// before the command is reported as timed out locally.
const commandGrace = time.Minute

// RunRemoteCommand implements engine.ResourceClient with SSM Run Command.
// The script path refers to a file on the instance.
func (c *Client) RunRemoteCommand(ctx context.Context, cmd engine.RemoteCommand) (*engine.CommandResult, error) {
	document := c.config.ShellDocument
	if cmd.Executor == engine.ExecutorPowerShell {
		document = c.config.PowerShellDocument
	}

	params := map[string][]string{
		"commands": {commandLine(cmd.Executor, cmd.Script, cmd.Arguments)},
	}
	if cmd.Timeout > 0 {
		params["executionTimeout"] = []string{strconv.Itoa(int(cmd.Timeout.Seconds()))}
	}

	out, err := c.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(document),
		InstanceIds:  []string{cmd.ResourceID},
		Parameters:   params,
		Comment:      aws.String("rightsize"),
	})
	if err != nil {
		return nil, classify("RunRemoteCommand", err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return nil, engine.NewAPIError("SendCommand returned no command id", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("RunRemoteCommand")
	}
	commandID := aws.ToString(out.Command.CommandId)

	log := c.logger.With().
		Str("instance_id", cmd.ResourceID).
		Str("command_id", commandID).
		Str("document", document).
		Logger()
	log.Info().Str("script", cmd.Script).Msg("Command sent")

	return c.waitForInvocation(ctx, commandID, cmd)
}

func (c *Client) waitForInvocation(ctx context.Context, commandID string, cmd engine.RemoteCommand) (*engine.CommandResult, error) {
	start := c.clock.Now()
	for {
		if err := c.clock.Sleep(ctx, c.config.CommandPollInterval); err != nil {
			return nil, err
		}

		inv, err := c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(cmd.ResourceID),
		})
		switch {
		case err != nil && errorCode(err) == "InvocationDoesNotExist":
			// The invocation becomes visible shortly after SendCommand.
		case err != nil:
			return nil, classify("RunRemoteCommand", err)
		default:
			if result, done := invocationResult(inv); done {
				return result, nil
			}
		}

		if cmd.Timeout > 0 && c.clock.Now().Sub(start) > cmd.Timeout+commandGrace {
			c.logger.Warn().Str("command_id", commandID).Msg("Command did not finish before its timeout")
			return &engine.CommandResult{Status: engine.CommandStatusTimedOut, ExitCode: -1}, nil
		}
	}
}

// invocationResult converts a finished invocation to a command result.
func invocationResult(inv *ssm.GetCommandInvocationOutput) (*engine.CommandResult, bool) {
	result := &engine.CommandResult{
		ExitCode: int(inv.ResponseCode),
		Stdout:   aws.ToString(inv.StandardOutputContent),
		Stderr:   aws.ToString(inv.StandardErrorContent),
	}
	switch inv.Status {
	case ssmtypes.CommandInvocationStatusSuccess:
		result.Status = engine.CommandStatusSuccess
	case ssmtypes.CommandInvocationStatusTimedOut:
		result.Status = engine.CommandStatusTimedOut
	case ssmtypes.CommandInvocationStatusFailed, ssmtypes.CommandInvocationStatusCancelled:
		result.Status = engine.CommandStatusFailed
	default:
		return nil, false
	}
	return result, true
}

// commandLine builds the document's command for a script on the instance.
func commandLine(executor engine.Executor, script string, args []string) string {
	parts := make([]string, 0, len(args)+2)
	if executor == engine.ExecutorPowerShell {
		parts = append(parts, "&", psQuote(script))
		for _, a := range args {
			parts = append(parts, psQuote(a))
		}
	} else {
		parts = append(parts, "sh", shQuote(script))
		for _, a := range args {
			parts = append(parts, shQuote(a))
		}
	}
	return strings.Join(parts, " ")
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
