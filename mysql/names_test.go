package mysql

import "testing"

func TestQuoteTableName(t *testing.T) {
	valid := map[string]string{
		"outbox":          "`outbox`",
		"pdv.outbox":      "`pdv`.`outbox`",
		"OUTBOX_MESSAGES": "`OUTBOX_MESSAGES`",
	}
	for name, want := range valid {
		got, err := quoteTableName(name)
		if err != nil {
			t.Fatalf("expected valid name %q: %v", name, err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}

	invalid := []string{"", "outbox;drop", "outbox-1", "pdv..outbox", "a.b.c", "outbox`", "tabela_ç"}
	for _, name := range invalid {
		if _, err := quoteTableName(name); err == nil {
			t.Fatalf("expected invalid name %q", name)
		}
	}
}
