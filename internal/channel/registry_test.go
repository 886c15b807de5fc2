package channel

import (
	"context"
	"testing"
)

type descriptorAdapter struct {
	desc Descriptor
}

func (a *descriptorAdapter) Type() Type             { return a.desc.Type }
func (a *descriptorAdapter) Descriptor() Descriptor { return a.desc }
func (a *descriptorAdapter) Dial(context.Context, DialConfig, EventSink) (Transport, error) {
	return nil, ErrNotConnected
}

type validatingAdapter struct {
	descriptorAdapter
}

func (a *validatingAdapter) ValidateAddress(address string) error {
	if address == "" {
		return ErrGroupAddress
	}
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	adapter := &descriptorAdapter{desc: Descriptor{Type: "fake", DisplayName: "Fake"}}
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := registry.Get("fake"); !ok {
		t.Fatal("expected adapter to be registered")
	}
	// Lookup normalizes case and whitespace.
	if _, ok := registry.Get("  FAKE "); !ok {
		t.Fatal("expected normalized lookup to hit")
	}
	if _, ok := registry.Get("other"); ok {
		t.Fatal("unexpected adapter for unknown type")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	adapter := &descriptorAdapter{desc: Descriptor{Type: "fake"}}
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(adapter); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsNilAndEmpty(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(nil); err == nil {
		t.Fatal("expected nil adapter to fail")
	}
	if err := registry.Register(&descriptorAdapter{desc: Descriptor{Type: "  "}}); err == nil {
		t.Fatal("expected empty type to fail")
	}
}

func TestRegistryTypesOrdered(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{Type: "wagate"}})
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{Type: "telegram"}})

	types := registry.Types()
	if len(types) != 2 || types[0] != "telegram" || types[1] != "wagate" {
		t.Fatalf("expected sorted types, got %v", types)
	}
}

func TestRegistryParseType(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{Type: "telegram"}})

	ct, err := registry.ParseType(" Telegram ")
	if err != nil || ct != "telegram" {
		t.Fatalf("expected normalized telegram, got %q err=%v", ct, err)
	}
	if _, err := registry.ParseType("smoke-signal"); err == nil {
		t.Fatal("expected unknown type to fail")
	}
	if _, err := registry.ParseType(""); err == nil {
		t.Fatal("expected empty type to fail")
	}
}

func TestRegistryDescriptors(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{
		Type:           "wagate",
		DisplayName:    "WhatsApp Gateway",
		Capabilities:   Capabilities{Pairing: true, Liveness: true, Buttons: true, Media: true},
		OutboundPolicy: OutboundPolicy{TextChunkLimit: 4096},
	}})
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{Type: "telegram", DisplayName: "Telegram"}})

	desc, ok := registry.GetDescriptor("wagate")
	if !ok || desc.DisplayName != "WhatsApp Gateway" {
		t.Fatalf("expected wagate descriptor, got %+v ok=%v", desc, ok)
	}

	caps, ok := registry.GetCapabilities("wagate")
	if !ok || !caps.Pairing {
		t.Fatalf("expected pairing capability, got %+v", caps)
	}

	policy, ok := registry.GetOutboundPolicy("wagate")
	if !ok || policy.TextChunkLimit != 4096 {
		t.Fatalf("expected outbound policy, got %+v", policy)
	}

	all := registry.ListDescriptors()
	if len(all) != 2 || all[0].Type != "telegram" || all[1].Type != "wagate" {
		t.Fatalf("expected descriptors sorted by type, got %+v", all)
	}
}

func TestRegistryAddressValidator(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&validatingAdapter{descriptorAdapter{desc: Descriptor{Type: "wagate"}}})
	registry.MustRegister(&descriptorAdapter{desc: Descriptor{Type: "telegram"}})

	if _, ok := registry.GetAddressValidator("wagate"); !ok {
		t.Fatal("expected wagate to expose an address validator")
	}
	if _, ok := registry.GetAddressValidator("telegram"); ok {
		t.Fatal("telegram accepts any target, no validator expected")
	}
}
