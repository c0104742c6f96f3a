package engine

import (
	"context"
	"fmt"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/readers"
)

// auxEncodingVersion is the aux payload version. It only grows; each
// deserialize routine gates on the version it needs.
const auxEncodingVersion = 1

// AuxSave serializes the durable engine state — the configuration store,
// the plugin table, and every reader kind's registrations — into the host's
// aux slot. The configuration store and plugin table precede the
// registrations, mirroring the host's before-keys/after-keys hook split.
func (e *Engine) AuxSave(ctx context.Context) error {
	w := buffer.NewWriter(1024)
	w.WriteUvarint(auxEncodingVersion)

	e.ConfigStore.Serialize(w)

	plugins := mgmt.Plugins()
	w.WriteUvarint(uint64(len(plugins)))
	for _, p := range plugins {
		w.WriteString(p.Name)
		w.WriteUvarint(uint64(p.Version))
	}

	var persistable []*readers.Kind
	for _, kind := range readers.Kinds() {
		if kind.RdbSave != nil {
			persistable = append(persistable, kind)
		}
	}
	w.WriteUvarint(uint64(len(persistable)))
	for _, kind := range persistable {
		w.WriteString(kind.Name)
		kw := buffer.NewWriter(256)
		if err := kind.RdbSave(kw); err != nil {
			return fmt.Errorf("aux save %s: %w", kind.Name, err)
		}
		w.WriteBytes(kw.Bytes())
	}

	if err := e.host.SaveAux(ctx, w.Bytes()); err != nil {
		return fmt.Errorf("aux save: %w", err)
	}
	logging.Op().Info("aux payload saved", "bytes", w.Len(), "reader_kinds", len(persistable))
	return nil
}

// AuxLoad restores the state written by AuxSave. The configuration store
// loads first. If a plugin recorded in the payload is not loaded, or is older
// than the saved version, AuxLoad returns an error and restores no
// registrations at all; the check is per payload, not per registration. A
// reader kind whose registrations fail to load is logged and skipped; the
// other kinds still load.
func (e *Engine) AuxLoad(ctx context.Context) error {
	payload, err := e.host.LoadAux(ctx)
	if err != nil {
		return fmt.Errorf("aux load: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	rd := buffer.NewReader(payload)
	version, err := rd.ReadUvarint()
	if err != nil {
		return err
	}
	if version > auxEncodingVersion {
		return fmt.Errorf("aux payload version %d newer than supported %d", version, auxEncodingVersion)
	}

	if err := e.ConfigStore.Load(rd); err != nil {
		return fmt.Errorf("aux load config store: %w", err)
	}

	nPlugins, err := rd.ReadUvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nPlugins; i++ {
		name, err := rd.ReadString()
		if err != nil {
			return err
		}
		wantVersion, err := rd.ReadUvarint()
		if err != nil {
			return err
		}
		p, ok := mgmt.GetPlugin(name)
		if !ok {
			return fmt.Errorf("aux load: plugin %q is not loaded", name)
		}
		if p.Version < int(wantVersion) {
			return fmt.Errorf("aux load: plugin %q version %d older than saved %d", name, p.Version, wantVersion)
		}
	}

	nKinds, err := rd.ReadUvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < nKinds; i++ {
		name, err := rd.ReadString()
		if err != nil {
			return err
		}
		blob, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		kind, ok := readers.GetKind(name)
		if !ok || kind.RdbLoad == nil {
			logging.Op().Warn("aux load: skipping unknown reader kind", "reader", name)
			continue
		}
		if err := kind.RdbLoad(buffer.NewReader(blob), int(version)); err != nil {
			logging.Op().Warn("aux load: reader registrations failed", "reader", name, "error", err)
		}
	}
	logging.Op().Info("aux payload loaded", "bytes", len(payload))
	return nil
}
