package customer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

func TestHashNameNormalizes(t *testing.T) {
	// Case and spacing differences hash identically.
	a := HashName("Alice Lee")
	assert.Equal(t, a, HashName("ALICE  LEE"))
	assert.Equal(t, a, HashName("alice lee "))
	assert.NotEqual(t, a, HashName("Bob Lee"))
	assert.Len(t, a, 64)
}

func TestFromPartyPerson(t *testing.T) {
	p := message.NewParty("did:key:z6MkAlice")
	p.SetMeta("name", "Alice Lee")
	p.SetMeta("addressCountry", "DE")

	c := FromParty("did:key:z6MkAgent", &p)
	assert.Equal(t, storage.SchemaPerson, c.SchemaType)
	assert.Equal(t, "Alice", c.GivenName)
	assert.Equal(t, "Lee", c.FamilyName)
	assert.Equal(t, "DE", c.Country)
	assert.Contains(t, string(c.Profile), "nameHash")

	// Deterministic id per (agent, party).
	c2 := FromParty("did:key:z6MkAgent", &p)
	assert.Equal(t, c.ID, c2.ID)
}

func TestFromPartyOrganization(t *testing.T) {
	p := message.NewParty("did:web:vasp.example")
	p.SetMeta("name", "Example VASP GmbH")
	p.SetMeta("lei:leiCode", "529900T8BM49AURSDO55")

	c := FromParty("did:key:z6MkAgent", &p)
	assert.Equal(t, storage.SchemaOrganization, c.SchemaType)
	assert.Equal(t, "Example VASP GmbH", c.LegalName)
	assert.Equal(t, "529900T8BM49AURSDO55", c.LEICode)
}

func TestExtractParties(t *testing.T) {
	store, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	originator := message.NewParty("did:key:z6MkAlice")
	originator.SetMeta("name", "Alice Lee")
	beneficiary := message.NewParty("mailto:bob@example.com")

	e := NewExtractor(store, nil)
	e.ExtractParties(context.Background(), "did:key:z6MkAgent",
		[]*message.Party{&originator, &beneficiary})

	c := FromParty("did:key:z6MkAgent", &originator)
	got, err := store.GetCustomer(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.GivenName)

	ids, err := store.ListCustomerIdentifiers(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "did", ids[0].IdentifierType)
}

func TestPartiesOf(t *testing.T) {
	transfer := &message.Transfer{
		Originator:  message.NewParty("did:key:z6MkA"),
		Beneficiary: &message.Party{ID: "did:key:z6MkB"},
	}
	assert.Len(t, PartiesOf(transfer), 2)

	payment := &message.Payment{Merchant: message.NewParty("did:web:shop.example")}
	assert.Len(t, PartiesOf(payment), 1)

	assert.Nil(t, PartiesOf(&message.Authorize{TransactionID: "t"}))
}

func TestValidateIVMS101(t *testing.T) {
	valid := []byte(`{"originator":{"originatorPersons":[{"naturalPerson":{}}]}}`)
	assert.NoError(t, ValidateIVMS101(valid))

	empty := []byte(`{}`)
	err := ValidateIVMS101(empty)
	require.Error(t, err)
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(err))

	notJSON := []byte(`nope`)
	err = ValidateIVMS101(notJSON)
	require.Error(t, err)
	assert.Equal(t, taperr.KindMalformed, taperr.KindOf(err))
}
