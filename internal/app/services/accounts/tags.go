package accounts

import (
	"context"

	"github.com/opencommons/accounting/internal/app/domain/account"
	"github.com/opencommons/accounting/internal/app/domain/user"
	"github.com/opencommons/accounting/internal/app/errs"
)

// UpdateAccountTags replaces the account's pre-authorization tag set. Each
// tag carries either a plain value, hashed immediately and never stored, or
// the id of an existing tag whose hash is kept. Repeated names or values are
// rejected.
func (s *Service) UpdateAccountTags(ctx context.Context, caller user.Caller, id string, tags []account.Tag) ([]account.Tag, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, notFound(err, "account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return nil, err
	}
	if !s.currencies.IsAdmin(caller, cur) && !acct.HasUser(caller.UserID) {
		return nil, errs.Forbidden("only the account owner or the currency admin may update tags")
	}

	current, err := s.store.ListAccountTags(ctx, id)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]account.Tag, len(current))
	for _, tag := range current {
		existing[tag.ID] = tag
	}

	names := make(map[string]bool, len(tags))
	hashes := make(map[string]bool, len(tags))
	hashed := make([]account.Tag, 0, len(tags))
	for _, tag := range tags {
		if tag.Name == "" || (tag.Value == "" && tag.ID == "") {
			return nil, errs.BadRequest("tag name and value are required")
		}
		if tag.Value != "" && tag.ID != "" {
			return nil, errs.BadRequest("tag %s carries both a value and an id", tag.Name)
		}
		if tag.Value != "" {
			tag.Hash = account.HashTagValue(tag.Value)
			tag.Value = ""
		} else {
			prev, ok := existing[tag.ID]
			if !ok {
				return nil, errs.BadRequest("tag %s does not belong to the account", tag.ID)
			}
			tag.Hash = prev.Hash
		}
		if names[tag.Name] || hashes[tag.Hash] {
			return nil, errs.BadRequest("repeated tag %s", tag.Name)
		}
		names[tag.Name] = true
		hashes[tag.Hash] = true
		hashed = append(hashed, tag)
	}
	return s.store.ReplaceAccountTags(ctx, id, hashed)
}

// ListAccountTags returns the account's tags. Owner or admin.
func (s *Service) ListAccountTags(ctx context.Context, caller user.Caller, id string) ([]account.Tag, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, notFound(err, "account %s not found", id)
	}
	cur, err := s.currencies.GetCurrency(ctx, acct.CurrencyID)
	if err != nil {
		return nil, err
	}
	if !s.currencies.IsAdmin(caller, cur) && !acct.HasUser(caller.UserID) {
		return nil, errs.Forbidden("only the account owner or the currency admin may list tags")
	}
	return s.store.ListAccountTags(ctx, id)
}

// FindAccountByTag resolves a plain tag value to the active account it
// authorizes, within a currency. Returns a not-found error when no tag on an
// active account matches.
func (s *Service) FindAccountByTag(ctx context.Context, currencyID, value string) (account.Account, error) {
	acct, err := s.store.GetAccountByTagHash(ctx, currencyID, account.HashTagValue(value))
	if err != nil {
		return account.Account{}, notFound(err, "no account matches the given tag")
	}
	return acct, nil
}
