package provision

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
	"provisiond/pkg/model"
)

// Dispatcher turns a node record into a backend descriptor and pushes it
// through a driver.
type Dispatcher struct {
	bootstrapKey  string
	productionKey string
	log           *zap.Logger
}

// NewDispatcher takes the SSH key paths used to power-cycle nodes running the
// discovery image and nodes running an installed system.
func NewDispatcher(bootstrapKey, productionKey string, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		bootstrapKey:  bootstrapKey,
		productionKey: productionKey,
		log:           log.Named("provision"),
	}
}

// PowerPass returns the power credential for a node in the given status.
func (d *Dispatcher) PowerPass(status model.NodeStatus) string {
	if status == model.NodeDiscover {
		return "rsa:" + d.bootstrapKey
	}
	return "rsa:" + d.productionKey
}

// Descriptor builds the backend record for n. n must carry the status it had
// before entering provisioning.
func (d *Dispatcher) Descriptor(n model.Node, profile Profile) Node {
	return Node{
		Name:          fmt.Sprintf("%d_%s", n.ID, n.MAC),
		MAC:           n.MAC,
		Profile:       profile,
		PXE:           true,
		KernelOptions: "",
		Power: Power{
			Type:    "ssh",
			User:    "root",
			Pass:    d.PowerPass(n.Status),
			Address: n.IP,
		},
	}
}

// Dispatch saves the node into the backend and reboots it. Failures wrap
// model.ErrBackendUnavailable and are not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Node, driver Driver, profile Profile) error {
	log := d.log.With(zap.Uint(logging.FieldNodeID, n.ID), zap.String("mac", n.MAC))
	if n.Status == model.NodeDiscover {
		log.Info("node seems booted with bootstrap image")
	} else {
		log.Info("node seems booted with real system")
	}

	desc := d.Descriptor(n, profile)
	log.Debug("saving node into provisioning system", zap.String("profile", profile.Name))
	if err := driver.Save(ctx, desc); err != nil {
		metrics.NodeDispatches.WithLabelValues(driver.Name(), "save_failed").Inc()
		return fmt.Errorf("%w: save node %s: %v", model.ErrBackendUnavailable, desc.Name, err)
	}
	log.Debug("rebooting node to launch provisioning", zap.String("power_type", desc.Power.Type))
	if err := driver.PowerReboot(ctx, desc); err != nil {
		metrics.NodeDispatches.WithLabelValues(driver.Name(), "reboot_failed").Inc()
		return fmt.Errorf("%w: reboot node %s: %v", model.ErrBackendUnavailable, desc.Name, err)
	}
	metrics.NodeDispatches.WithLabelValues(driver.Name(), "ok").Inc()
	return nil
}
