package mgmt

import (
	"testing"

	"github.com/oriys/pulsar/internal/record"
)

func TestRegistryCaseInsensitive(t *testing.T) {
	reg := newRegistry[MapCallback]("map")
	cb := func(ectx ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		return r, nil
	}
	if err := reg.Add("ToUpper", cb, &ArgType{Name: "none"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("toupper"); !ok {
		t.Fatal("lower-case lookup failed")
	}
	if _, ok := reg.Get("TOUPPER"); !ok {
		t.Fatal("upper-case lookup failed")
	}
	if at := reg.ArgTypeOf("toUpper"); at == nil || at.Name != "none" {
		t.Fatalf("arg type lookup: %v", at)
	}
	if err := reg.Add("TOUPPER", cb, nil); err == nil {
		t.Fatal("duplicate registration must error")
	}
}

func TestRegistryMiss(t *testing.T) {
	reg := newRegistry[FilterCallback]("filter")
	if _, ok := reg.Get("absent"); ok {
		t.Fatal("missing name must not resolve")
	}
	if at := reg.ArgTypeOf("absent"); at != nil {
		t.Fatalf("missing arg type: %v", at)
	}
}

func TestPluginTable(t *testing.T) {
	if err := RegisterPlugin("testplugin", 2); err != nil {
		t.Fatal(err)
	}
	if err := RegisterPlugin("TestPlugin", 3); err == nil {
		t.Fatal("duplicate plugin must error")
	}
	p, ok := GetPlugin("TESTPLUGIN")
	if !ok || p.Version != 2 {
		t.Fatalf("plugin lookup: %v %v", p, ok)
	}
}

func TestPluginPath(t *testing.T) {
	t.Setenv("modulesdatadir", "")
	if got := PluginPath("/usr/lib/pyplugin.so"); got != "/usr/lib/pyplugin.so" {
		t.Fatalf("without override: %q", got)
	}
	t.Setenv("modulesdatadir", "/data/modules")
	if got := PluginPath("/usr/lib/pyplugin.so"); got != "/data/modules/pyplugin/pyplugin.so" {
		t.Fatalf("with override: %q", got)
	}
}
