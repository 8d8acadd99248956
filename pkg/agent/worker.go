// Package agent is the reference worker. It consumes deploy and
// verify_networks from the controller and reports every task as ready.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/model"
	"provisiond/pkg/rpc"
	"provisiond/pkg/task"
)

var errNoTask = errors.New("envelope carries no task_uuid")

// Replier sends an envelope back to the controller.
type Replier interface {
	Reply(ctx context.Context, method string, args map[string]any) error
}

// Subscriber registers method handlers, satisfied by rpc.Client.
type Subscriber interface {
	On(method string, fn rpc.HandlerFunc)
}

type deployNode struct {
	ID     uint   `mapstructure:"id"`
	MAC    string `mapstructure:"mac"`
	Status string `mapstructure:"status"`
}

type Worker struct {
	out Replier
	log *zap.Logger
}

func NewWorker(out Replier, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{out: out, log: log.Named("worker")}
}

// Register subscribes the worker to the controller's casts.
func (w *Worker) Register(sub Subscriber) {
	sub.On(task.MethodDeploy, w.Deploy)
	sub.On(task.MethodVerifyNetworks, w.VerifyNetworks)
}

// Deploy marks every node of the manifest ready and completes the task.
func (w *Worker) Deploy(ctx context.Context, msg rpc.Envelope) error {
	uuid := msg.TaskUUID()
	if uuid == "" {
		return errNoTask
	}
	var nodes []deployNode
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &nodes,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(msg.Args["nodes"]); err != nil {
		return fmt.Errorf("failed to decode deploy nodes: %w", err)
	}

	reports := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		w.log.Info("deploying node", zap.Uint(logging.FieldNodeID, n.ID), zap.String("mac", n.MAC), zap.String("status", n.Status))
		reports = append(reports, map[string]any{"uid": n.ID, "status": string(model.NodeReady)})
	}
	return w.reply(ctx, msg, task.MethodDeployResp, map[string]any{
		"task_uuid": uuid,
		"status":    string(model.TaskReady),
		"progress":  100,
		"nodes":     reports,
	})
}

// VerifyNetworks reports the cluster networks as verified.
func (w *Worker) VerifyNetworks(ctx context.Context, msg rpc.Envelope) error {
	uuid := msg.TaskUUID()
	if uuid == "" {
		return errNoTask
	}
	w.log.Info("verifying networks", zap.String(logging.FieldTaskUUID, uuid))
	return w.reply(ctx, msg, task.MethodVerifyNetworksResp, map[string]any{
		"task_uuid": uuid,
		"status":    string(model.TaskReady),
		"progress":  100,
	})
}

func (w *Worker) reply(ctx context.Context, msg rpc.Envelope, fallback string, args map[string]any) error {
	method := msg.RespondTo
	if method == "" {
		method = fallback
	}
	if err := w.out.Reply(ctx, method, args); err != nil {
		return fmt.Errorf("failed to reply %s: %w", method, err)
	}
	return nil
}
