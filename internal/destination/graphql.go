package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/drallgood/reading-activity-sync/internal/cache"
	"github.com/drallgood/reading-activity-sync/internal/logger"
	"github.com/drallgood/reading-activity-sync/internal/models"
	"github.com/drallgood/reading-activity-sync/internal/util"
)

const (
	// DefaultURL is the Hardcover GraphQL endpoint
	DefaultURL = "https://api.hardcover.app/v1/graphql"
	// DefaultCacheTTL is how long a resolved book id is reused
	DefaultCacheTTL = 24 * time.Hour

	serviceName = "destination"
)

// GraphQLConfig configures a GraphQLClient
type GraphQLConfig struct {
	URL   string
	Token string
	// RateLimiter is shared by every client talking to the same endpoint
	RateLimiter *util.RateLimiter
	CacheTTL    time.Duration
	HTTPClient  *http.Client
	Logger      *logger.Logger
}

// GraphQLClient is the Hardcover-style GraphQL destination adapter.
// It does not retry; retries belong to the planner so that every attempt
// is bounded by the per-write timeout.
type GraphQLClient struct {
	gql         *graphql.Client
	rateLimiter *util.RateLimiter
	books       cache.Cache[string, int]
	userBooks   cache.Cache[int, userBook]
	log         *logger.Logger
}

var _ Destination = (*GraphQLClient)(nil)

type userBook struct {
	ID       int
	StatusID int
}

// NewGraphQLClient creates a destination client for one profile's token
func NewGraphQLClient(cfg GraphQLConfig) *GraphQLClient {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(map[string]interface{}{"component": "destination"})
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = util.NewRateLimiter(util.DefaultRate, util.DefaultBurst, log)
	}

	base := http.DefaultTransport
	timeout := time.Duration(0)
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			base = cfg.HTTPClient.Transport
		}
		timeout = cfg.HTTPClient.Timeout
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: &statusTransport{token: cfg.Token, rt: base},
	}

	return &GraphQLClient{
		gql:         graphql.NewClient(strings.TrimRight(cfg.URL, "/"), httpClient),
		rateLimiter: cfg.RateLimiter,
		books:       cache.WithTTL(cache.NewMemoryCache[string, int](log), cfg.CacheTTL),
		userBooks:   cache.WithTTL(cache.NewMemoryCache[int, userBook](log), cfg.CacheTTL),
		log:         log,
	}
}

// statusTransport adds the auth header and records the response status for exec
type statusTransport struct {
	token string
	rt    http.RoundTripper
}

type responseInfo struct {
	status     int
	retryAfter string
}

type responseInfoKey struct{}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if token := strings.TrimSpace(t.token); token != "" {
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.rt.RoundTrip(req)
	if info, ok := req.Context().Value(responseInfoKey{}).(*responseInfo); ok && resp != nil {
		info.status = resp.StatusCode
		info.retryAfter = resp.Header.Get("Retry-After")
	}
	return resp, err
}

// exec runs one GraphQL document and classifies its failure
func (c *GraphQLClient) exec(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return &models.TransientDestinationError{Err: fmt.Errorf("%s: waiting for rate limiter: %w", op, err)}
	}

	info := &responseInfo{}
	data, err := c.gql.ExecRaw(context.WithValue(ctx, responseInfoKey{}, info), query, vars)

	switch {
	case info.status == http.StatusUnauthorized || info.status == http.StatusForbidden:
		return &models.AuthenticationError{Service: serviceName, Err: fmt.Errorf("%s: HTTP %d", op, info.status)}
	case info.status == http.StatusTooManyRequests:
		wait := c.rateLimiter.OnRateLimit(util.ParseRetryAfter(info.retryAfter))
		return &models.TransientDestinationError{StatusCode: info.status, Err: fmt.Errorf("%s: rate limited, retry in %s", op, wait)}
	case info.status >= 500:
		return &models.TransientDestinationError{StatusCode: info.status, Err: fmt.Errorf("%s: %w", op, err)}
	case err != nil && (info.status == 0 || ctx.Err() != nil):
		// no response at all: connection failure or timeout
		return &models.TransientDestinationError{Err: fmt.Errorf("%s: %w", op, err)}
	case err != nil:
		return fmt.Errorf("%s rejected: %w", op, err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

const findBookByISBN = `
query FindBookByISBN($isbn: String!) {
  editions(where: { isbn_13: { _eq: $isbn } }, limit: 1) {
    book_id
  }
}`

const findBookByTitleAuthor = `
query FindBookByTitleAuthor($title: String!, $author: String!) {
  books(
    where: { _and: [
      { title: { _ilike: $title } },
      { contributions: { author: { name: { _ilike: $author } } } }
    ] },
    order_by: { users_count: desc },
    limit: 1
  ) {
    id
  }
}`

// findBook resolves the destination book id for an op, ISBN first
func (c *GraphQLClient) findBook(ctx context.Context, op models.WriteOp) (int, error) {
	if id, ok := c.books.Get(op.BookKey); ok {
		return id, nil
	}

	if isbn := op.Book.ISBN; isbn != "" {
		var resp struct {
			Editions []struct {
				BookID int `json:"book_id"`
			} `json:"editions"`
		}
		if err := c.exec(ctx, "find_book", findBookByISBN, map[string]interface{}{"isbn": isbn}, &resp); err != nil {
			return 0, err
		}
		if len(resp.Editions) > 0 && resp.Editions[0].BookID != 0 {
			c.books.Set(op.BookKey, resp.Editions[0].BookID, 0)
			return resp.Editions[0].BookID, nil
		}
		c.log.Debug("No edition for ISBN, falling back to title and author", map[string]interface{}{
			"book_key": op.BookKey,
			"isbn":     isbn,
		})
	}

	var resp struct {
		Books []struct {
			ID int `json:"id"`
		} `json:"books"`
	}
	vars := map[string]interface{}{"title": op.Book.Title, "author": op.Book.Author}
	if err := c.exec(ctx, "find_book", findBookByTitleAuthor, vars, &resp); err != nil {
		return 0, err
	}
	if len(resp.Books) == 0 || resp.Books[0].ID == 0 {
		return 0, fmt.Errorf("%w: %q by %q", ErrBookNotFound, op.Book.Title, op.Book.Author)
	}
	c.books.Set(op.BookKey, resp.Books[0].ID, 0)
	return resp.Books[0].ID, nil
}

const findUserBook = `
query FindUserBook($book_id: Int!) {
  me {
    user_books(where: { book_id: { _eq: $book_id } }, limit: 1) {
      id
      status_id
    }
  }
}`

const insertUserBook = `
mutation InsertUserBook($book_id: Int!, $status_id: Int!) {
  insert_user_book(object: { book_id: $book_id, status_id: $status_id }) {
    id
    error
  }
}`

const updateUserBookStatus = `
mutation UpdateUserBookStatus($id: Int!, $status_id: Int!) {
  update_user_book(id: $id, object: { status_id: $status_id }) {
    id
    error
  }
}`

// ensureUserBook returns the user's shelf entry for bookID with the given status,
// creating it or moving it as needed
func (c *GraphQLClient) ensureUserBook(ctx context.Context, bookID, statusID int) (int, error) {
	ub, ok := c.userBooks.Get(bookID)
	if !ok {
		var resp struct {
			Me []struct {
				UserBooks []struct {
					ID       int `json:"id"`
					StatusID int `json:"status_id"`
				} `json:"user_books"`
			} `json:"me"`
		}
		if err := c.exec(ctx, "find_user_book", findUserBook, map[string]interface{}{"book_id": bookID}, &resp); err != nil {
			return 0, err
		}
		if len(resp.Me) > 0 && len(resp.Me[0].UserBooks) > 0 {
			ub = userBook{ID: resp.Me[0].UserBooks[0].ID, StatusID: resp.Me[0].UserBooks[0].StatusID}
		}
	}

	var mutation, op string
	vars := map[string]interface{}{"status_id": statusID}
	switch {
	case ub.ID == 0:
		mutation, op = insertUserBook, "insert_user_book"
		vars["book_id"] = bookID
	case ub.StatusID != statusID && ub.StatusID != StatusRead:
		// a read book stays read; a new read is recorded below it
		mutation, op = updateUserBookStatus, "update_user_book"
		vars["id"] = ub.ID
	default:
		c.userBooks.Set(bookID, ub, 0)
		return ub.ID, nil
	}

	var resp map[string]struct {
		ID    int     `json:"id"`
		Error *string `json:"error"`
	}
	if err := c.exec(ctx, op, mutation, vars, &resp); err != nil {
		return 0, err
	}
	res := resp[op]
	if res.Error != nil {
		return 0, fmt.Errorf("%s: %s", op, *res.Error)
	}
	if res.ID == 0 {
		return 0, fmt.Errorf("%s: no id returned", op)
	}
	ub = userBook{ID: res.ID, StatusID: statusID}
	c.userBooks.Set(bookID, ub, 0)
	return ub.ID, nil
}

const insertUserBookRead = `
mutation InsertUserBookRead($user_book_id: Int!, $user_book_read: DatesReadInput!) {
  insert_user_book_read(user_book_id: $user_book_id, user_book_read: $user_book_read) {
    id
    error
  }
}`

// CreateRead records a finished read with its dates
func (c *GraphQLClient) CreateRead(ctx context.Context, op models.WriteOp) error {
	bookID, err := c.findBook(ctx, op)
	if err != nil {
		return err
	}
	userBookID, err := c.ensureUserBook(ctx, bookID, StatusRead)
	if err != nil {
		return err
	}

	read := map[string]interface{}{}
	if op.StartDate != nil {
		read["started_at"] = models.FormatDate(op.StartDate)
	}
	if op.FinishDate != nil {
		read["finished_at"] = models.FormatDate(op.FinishDate)
	}
	vars := map[string]interface{}{"user_book_id": userBookID, "user_book_read": read}

	var resp struct {
		InsertUserBookRead struct {
			ID    int     `json:"id"`
			Error *string `json:"error"`
		} `json:"insert_user_book_read"`
	}
	if err := c.exec(ctx, "insert_user_book_read", insertUserBookRead, vars, &resp); err != nil {
		return err
	}
	if resp.InsertUserBookRead.Error != nil {
		return fmt.Errorf("insert_user_book_read: %s", *resp.InsertUserBookRead.Error)
	}

	c.log.Debug("Recorded finished read", map[string]interface{}{
		"book_key":     op.BookKey,
		"user_book_id": userBookID,
		"read_id":      resp.InsertUserBookRead.ID,
		"finished_at":  models.FormatDate(op.FinishDate),
	})
	return nil
}

const findOpenRead = `
query FindOpenRead($user_book_id: Int!) {
  user_book_reads(
    where: { user_book_id: { _eq: $user_book_id }, finished_at: { _is_null: true } },
    order_by: { id: desc },
    limit: 1
  ) {
    id
  }
}`

const updateUserBookRead = `
mutation UpdateUserBookRead($id: Int!, $object: DatesReadInput!) {
  update_user_book_read(id: $id, object: $object) {
    id
    error
  }
}`

// UpdateProgress moves the book to currently reading and sets the progress of
// its open read, starting one when none is open
func (c *GraphQLClient) UpdateProgress(ctx context.Context, op models.WriteOp) error {
	bookID, err := c.findBook(ctx, op)
	if err != nil {
		return err
	}
	userBookID, err := c.ensureUserBook(ctx, bookID, StatusCurrentlyReading)
	if err != nil {
		return err
	}

	var open struct {
		UserBookReads []struct {
			ID int `json:"id"`
		} `json:"user_book_reads"`
	}
	if err := c.exec(ctx, "find_open_read", findOpenRead, map[string]interface{}{"user_book_id": userBookID}, &open); err != nil {
		return err
	}

	read := map[string]interface{}{"progress": progressPercent(op.Fraction)}
	if op.Record.StartDate != nil {
		read["started_at"] = models.FormatDate(op.Record.StartDate)
	}

	var resp map[string]struct {
		ID    int     `json:"id"`
		Error *string `json:"error"`
	}
	name := "insert_user_book_read"
	if len(open.UserBookReads) > 0 {
		name = "update_user_book_read"
		err = c.exec(ctx, name, updateUserBookRead, map[string]interface{}{"id": open.UserBookReads[0].ID, "object": read}, &resp)
	} else {
		err = c.exec(ctx, name, insertUserBookRead, map[string]interface{}{"user_book_id": userBookID, "user_book_read": read}, &resp)
	}
	if err != nil {
		return err
	}
	if res := resp[name]; res.Error != nil {
		return fmt.Errorf("%s: %s", name, *res.Error)
	}
	return nil
}

// progressPercent rounds a fraction to a percentage with one decimal
func progressPercent(fraction float64) float64 {
	return math.Round(fraction*1000) / 10
}
