package config

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.yml")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store, path
}

func TestOpenStoreMissingFile(t *testing.T) {
	store, _ := newTestStore(t)
	if _, ok := store.RemoteFormID("acme", "contact"); ok {
		t.Fatal("empty store must report no mapping")
	}
}

func TestSaveAndReload(t *testing.T) {
	store, path := newTestStore(t)
	store.Set("forms.acme.contact", 101)
	store.Set("fields.acme.contact.email", "f1")
	store.SetCredentials(Credentials{SiteName: "acme", UserName: "ops", Password: "s3cret", Host: "https://secure.example"})
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, ok := reloaded.RemoteFormID("acme", "contact")
	if !ok || id != 101 {
		t.Fatalf("remote form id = %d, %v", id, ok)
	}
	fieldID, ok := reloaded.FieldID("acme", "contact", "email")
	if !ok || fieldID != "f1" {
		t.Fatalf("field id = %q, %v", fieldID, ok)
	}
	creds := reloaded.Credentials()
	if creds.SiteName != "acme" || creds.Host != "https://secure.example" {
		t.Fatalf("credentials = %+v", creds)
	}
}

func TestFieldMap(t *testing.T) {
	store, _ := newTestStore(t)
	store.Set("fields.acme.contact.email", "f1")
	store.Set("fields.acme.contact.message", "f2")
	store.Set("fields.acme.newsletter.email", "f9")

	m := store.FieldMap("acme", "contact")
	if len(m) != 2 || m["email"] != "f1" || m["message"] != "f2" {
		t.Fatalf("field map = %v", m)
	}
	if m := store.FieldMap("acme", "unknown"); len(m) != 0 {
		t.Fatalf("unknown form map = %v", m)
	}
}

func TestFieldMapLowercasesKeys(t *testing.T) {
	store, _ := newTestStore(t)
	store.Set("fields.acme.signup.firstName", "f7")

	m := store.FieldMap("acme", "signup")
	if m["firstname"] != "f7" {
		t.Fatalf("field map = %v, want lowercased firstname key", m)
	}
}

func TestExtrasLanguageFiltering(t *testing.T) {
	store, _ := newTestStore(t)
	store.Set("form_extras.acme.contact.en_intro", "How can we help?")
	store.Set("form_extras.acme.contact.en_footer", "Thanks")
	store.Set("form_extras.acme.contact.fr_intro", "Comment pouvons-nous aider ?")

	extras := store.Extras("acme", "contact", "en")
	if len(extras) != 2 || extras["intro"] != "How can we help?" || extras["footer"] != "Thanks" {
		t.Fatalf("extras = %v", extras)
	}
	fr := store.Extras("acme", "contact", "fr")
	if len(fr) != 1 || fr["intro"] != "Comment pouvons-nous aider ?" {
		t.Fatalf("fr extras = %v", fr)
	}
}

func TestClearSubtree(t *testing.T) {
	store, path := newTestStore(t)
	store.Set("forms.acme.contact", 101)
	store.Set("fields.acme.contact.email", "f1")
	store.Set("fields.acme.newsletter.email", "f9")
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.Clear("fields.acme.contact")
	if _, ok := store.FieldID("acme", "contact", "email"); ok {
		t.Fatal("cleared field still present")
	}
	if _, ok := store.FieldID("acme", "newsletter", "email"); !ok {
		t.Fatal("sibling subtree must survive")
	}
	if _, ok := store.RemoteFormID("acme", "contact"); !ok {
		t.Fatal("form mapping must survive a fields clear")
	}

	if err := store.Save(); err != nil {
		t.Fatalf("save after clear: %v", err)
	}
	reloaded, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reloaded.FieldID("acme", "contact", "email"); ok {
		t.Fatal("clear must persist")
	}
}

func TestCatalog(t *testing.T) {
	catalog, err := CatalogFromYAML([]byte(`
contact:
  label: Contact us
  fields:
    email:
      type: email
      label: Email address
    message:
      type: textarea
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fields := catalog.FormFields("contact")
	if fields["email"].Type != "email" || fields["message"].Type != "textarea" {
		t.Fatalf("fields = %+v", fields)
	}
	if len(catalog.FormFields("unknown")) != 0 {
		t.Fatal("unknown form must yield no fields")
	}
}

func TestLoadCatalogMissing(t *testing.T) {
	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "forms.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog) != 0 {
		t.Fatalf("catalog = %+v", catalog)
	}
}
