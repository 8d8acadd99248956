package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/model"
	"provisiond/pkg/rpc"
	"provisiond/pkg/store"
)

// Response is the args of a deploy_resp or verify_networks_resp envelope.
type Response struct {
	TaskUUID string       `mapstructure:"task_uuid"`
	Status   string       `mapstructure:"status"`
	Progress *int         `mapstructure:"progress"`
	Error    string       `mapstructure:"error"`
	Message  string       `mapstructure:"message"`
	Nodes    []NodeReport `mapstructure:"nodes"`
}

// NodeReport is a per-node status update. Workers send the node id as uid.
type NodeReport struct {
	ID     uint   `mapstructure:"id"`
	UID    uint   `mapstructure:"uid"`
	Status string `mapstructure:"status"`
}

func (r NodeReport) nodeID() uint {
	if r.ID != 0 {
		return r.ID
	}
	return r.UID
}

// Registrar is satisfied by rpc.Hub.
type Registrar interface {
	Handle(name string, fn rpc.HandlerFunc)
}

// Responder applies worker responses to tasks and nodes.
type Responder struct {
	st  store.Store
	log *zap.Logger
}

func NewResponder(st store.Store, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{st: st, log: log.Named("responder")}
}

// Register subscribes the responder to the reply channels of deploy and
// verify_networks.
func (r *Responder) Register(reg Registrar) {
	reg.Handle(MethodDeployResp, r.Handle)
	reg.Handle(MethodVerifyNetworksResp, r.Handle)
}

// Handle decodes and applies one reply envelope.
func (r *Responder) Handle(ctx context.Context, msg rpc.Envelope) error {
	resp, err := DecodeResponse(msg.Args)
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Method, err)
	}
	return r.Apply(ctx, resp)
}

// DecodeResponse reads envelope args into a Response. Numbers may arrive as
// JSON floats or strings.
func DecodeResponse(args map[string]any) (Response, error) {
	var r Response
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &r,
	})
	if err != nil {
		return r, err
	}
	if err := dec.Decode(args); err != nil {
		return r, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	if r.TaskUUID == "" {
		return r, fmt.Errorf("%w: task_uuid missing", model.ErrInvalidRequest)
	}
	return r, nil
}

// Apply records resp on its task and on the reported nodes of the task's
// cluster, in one transaction.
func (r *Responder) Apply(ctx context.Context, resp Response) error {
	return r.st.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(ctx, resp.TaskUUID)
		if err != nil {
			return err
		}
		switch status := model.TaskStatus(resp.Status); status {
		case model.TaskRunning, model.TaskReady, model.TaskError:
			t.Status = status
		case "":
		default:
			return fmt.Errorf("%w: task status %q", model.ErrInvalidRequest, resp.Status)
		}
		if resp.Error != "" {
			t.Status = model.TaskError
			t.Message = resp.Error
		} else if resp.Message != "" {
			t.Message = resp.Message
		}
		if resp.Progress != nil {
			t.Progress = clamp(*resp.Progress, 0, 100)
		}
		if t.Status == model.TaskReady {
			t.Progress = 100
		}
		if err := tx.UpdateTask(ctx, &t); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		for _, report := range resp.Nodes {
			if err := r.applyNode(ctx, tx, t, report); err != nil {
				return err
			}
		}
		r.log.Info("task updated",
			zap.String(logging.FieldTaskUUID, t.UUID),
			zap.String("status", string(t.Status)),
			zap.Int("progress", t.Progress),
			zap.Int("nodes", len(resp.Nodes)))
		return nil
	})
}

func (r *Responder) applyNode(ctx context.Context, tx store.Tx, t model.Task, report NodeReport) error {
	status := model.NodeStatus(report.Status)
	if !status.Valid() {
		r.log.Warn("ignoring invalid node status", zap.Uint(logging.FieldNodeID, report.nodeID()), zap.String("status", report.Status))
		return nil
	}
	n, err := tx.GetNode(ctx, report.nodeID())
	if errors.Is(err, model.ErrNotFound) {
		r.log.Warn("response names unknown node", zap.Uint(logging.FieldNodeID, report.nodeID()), zap.String(logging.FieldTaskUUID, t.UUID))
		return nil
	}
	if err != nil {
		return err
	}
	if t.ClusterID != 0 && (n.ClusterID == nil || *n.ClusterID != t.ClusterID) {
		r.log.Warn("response names node outside the task's cluster", zap.Uint(logging.FieldNodeID, n.ID), zap.String(logging.FieldTaskUUID, t.UUID))
		return nil
	}
	if n.Status == status {
		return nil
	}
	ok, err := tx.CompareAndSetNodeStatus(ctx, n.ID, []model.NodeStatus{n.Status}, status)
	if err != nil {
		return fmt.Errorf("failed to update node %d: %w", n.ID, err)
	}
	if !ok {
		r.log.Warn("node status changed while applying response, report dropped",
			zap.Uint(logging.FieldNodeID, n.ID),
			zap.String(logging.FieldTaskUUID, t.UUID),
			zap.String("reported", report.Status))
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
