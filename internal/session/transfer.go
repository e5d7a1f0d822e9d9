package session

import (
	"context"
	"fmt"

	"github.com/roach88/crossdevice/internal/ir"
	"github.com/roach88/crossdevice/internal/ports"
)

// TransportTransferer sends each sub-transfer to the target device over
// the relay. Session contents are encrypted at clinical sensitivity; the
// security context step uses crisis sensitivity.
type TransportTransferer struct {
	transport ports.Transport
	encryptor ports.Encryptor
}

// NewTransportTransferer creates a Transferer backed by a transport.
func NewTransportTransferer(t ports.Transport, enc ports.Encryptor) *TransportTransferer {
	if enc == nil {
		enc = ports.PassthroughEncryptor{}
	}
	return &TransportTransferer{transport: t, encryptor: enc}
}

// Transfer encodes, encrypts and sends one sub-transfer. The validation
// step carries the checksum of the full session state so the target can
// confirm it received what the source holds.
func (tt *TransportTransferer) Transfer(ctx context.Context, t Transfer) error {
	body, level, err := stepBody(t)
	if err != nil {
		return err
	}
	plain, err := ir.MarshalCanonical(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t.Step, err)
	}
	sealed, err := tt.encryptor.Encrypt(ctx, plain, level)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", t.Step, err)
	}
	priority := 5
	if t.Emergency {
		priority = 10
	}
	_, err = tt.transport.Send(ctx, t.To, ports.Payload{
		Kind:      ports.PayloadHandoff,
		SessionID: t.SessionID,
		Step:      string(t.Step),
		Priority:  priority,
		Checksum:  tt.encryptor.Checksum(plain),
		Body:      sealed,
	})
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", t.Step, t.To, err)
	}
	return nil
}

func stepBody(t Transfer) (ir.Object, ports.Sensitivity, error) {
	s := t.Session
	switch t.Step {
	case StepSessionData:
		return ir.Object{
			"kind":     ir.String(s.Kind),
			"progress": progressFields(s.Progress),
		}, ports.SensitivityClinical, nil
	case StepQueueState:
		return ir.Object{
			"status":   ir.String(s.Status),
			"step":     ir.Int(s.Progress.Step),
			"handoffs": ir.Int(s.Handoffs),
		}, ports.SensitivityStandard, nil
	case StepPreferences:
		return ir.Object{
			"needs_continuity": ir.Bool(s.NeedsContinuity),
		}, ports.SensitivityLow, nil
	case StepSecurityContext:
		return ir.Object{
			"from":      ir.String(t.From),
			"to":        ir.String(t.To),
			"emergency": ir.Bool(t.Emergency),
		}, ports.SensitivityCrisis, nil
	case StepValidation:
		sum, err := ir.StateChecksum(ir.Object{
			"id":       ir.String(s.ID),
			"owner":    ir.String(s.OwnerID),
			"progress": progressFields(s.Progress),
		})
		if err != nil {
			return nil, "", err
		}
		return ir.Object{"checksum": ir.String(sum)}, ports.SensitivityStandard, nil
	}
	return nil, "", fmt.Errorf("unknown handoff step %q", t.Step)
}
