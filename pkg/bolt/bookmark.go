package bolt

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BookmarkPrefix precedes the transaction id in every bookmark.
const BookmarkPrefix = "neo4j:bookmark:v1:tx"

// FormatBookmark returns the bookmark for txID.
func FormatBookmark(txID int64) string {
	return BookmarkPrefix + strconv.FormatInt(txID, 10)
}

// ParseBookmark returns the transaction id of a single bookmark.
func ParseBookmark(s string) (int64, error) {
	if !strings.HasPrefix(s, BookmarkPrefix) {
		return 0, errors.Wrapf(ErrInvalidBookmark, "%q does not start with %q", s, BookmarkPrefix)
	}
	id, err := strconv.ParseInt(s[len(BookmarkPrefix):], 10, 64)
	if err != nil || id < 0 {
		return 0, errors.Wrapf(ErrInvalidBookmark, "%q has no transaction id", s)
	}
	return id, nil
}

// BookmarkFromParams reads the "bookmarks" list or, failing that, the
// "bookmark" string from RUN parameters and returns the highest
// transaction id among them. ok is false when neither is present.
func BookmarkFromParams(params map[string]any) (txID int64, ok bool, err error) {
	if raw, present := params["bookmarks"]; present && raw != nil {
		list, isList := raw.([]any)
		if !isList {
			return 0, false, errors.Wrapf(ErrInvalidBookmark, "bookmarks must be a list, got %T", raw)
		}
		if len(list) > 0 {
			txID, err = maxBookmark(list)
			return txID, err == nil, err
		}
	}
	if raw, present := params["bookmark"]; present && raw != nil {
		s, isString := raw.(string)
		if !isString {
			return 0, false, errors.Wrapf(ErrInvalidBookmark, "bookmark must be a string, got %T", raw)
		}
		txID, err = ParseBookmark(s)
		return txID, err == nil, err
	}
	return 0, false, nil
}

func maxBookmark(list []any) (int64, error) {
	var highest int64 = -1
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return 0, errors.Wrapf(ErrInvalidBookmark, "bookmark must be a string, got %T", item)
		}
		id, err := ParseBookmark(s)
		if err != nil {
			return 0, err
		}
		highest = max(highest, id)
	}
	return highest, nil
}
