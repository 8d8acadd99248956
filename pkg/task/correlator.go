// Package task opens correlation records for asynchronous jobs, casts the
// job to the worker fleet and applies the fleet's responses.
package task

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
	"provisiond/pkg/model"
	"provisiond/pkg/rpc"
)

// Method names on the worker bus.
const (
	MethodDeploy             = "deploy"
	MethodDeployResp         = "deploy_resp"
	MethodVerifyNetworks     = "verify_networks"
	MethodVerifyNetworksResp = "verify_networks_resp"
)

type Creator interface {
	CreateTask(ctx context.Context, t *model.Task) error
}

// Correlator creates tasks and casts the messages that carry their uuid.
type Correlator struct {
	st       Creator
	bus      rpc.Caster
	exchange string
	log      *zap.Logger
}

func NewCorrelator(st Creator, bus rpc.Caster, exchange string, log *zap.Logger) *Correlator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{st: st, bus: bus, exchange: exchange, log: log.Named("task")}
}

// OpenTask persists a running task with a fresh uuid. kind is the bus method
// the task tracks and labels the opened-task counter; name is free text.
func (c *Correlator) OpenTask(ctx context.Context, kind, name string, clusterID uint) (model.Task, error) {
	t := model.Task{
		UUID:      uuid.NewString(),
		Name:      name,
		ClusterID: clusterID,
		Status:    model.TaskRunning,
	}
	if err := c.st.CreateTask(ctx, &t); err != nil {
		return model.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	metrics.TasksOpened.WithLabelValues(kind).Inc()
	c.log.Info("task opened",
		zap.String(logging.FieldTaskUUID, t.UUID),
		zap.String("kind", kind),
		zap.String("name", name),
		zap.Uint(logging.FieldClusterID, clusterID))
	return t, nil
}

// Dispatch casts method to the exchange with args.task_uuid set. It does not
// wait for a worker.
func (c *Correlator) Dispatch(ctx context.Context, method, respondTo, taskUUID string, args map[string]any) error {
	payload := make(map[string]any, len(args)+1)
	for k, v := range args {
		payload[k] = v
	}
	payload["task_uuid"] = taskUUID

	msg := rpc.Envelope{Method: method, RespondTo: respondTo, Args: payload}
	if err := c.bus.Cast(ctx, c.exchange, msg); err != nil {
		return fmt.Errorf("failed to cast %s: %w", method, err)
	}
	return nil
}
