package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewWithPool(mock)
	require.NoError(t, err)
	return mock, repo
}

func TestMigrateRunsEveryStatement(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	for _, stmt := range schema {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedModelsUsesTransaction(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tracked_models").WithArgs("Tesla", "Model 3").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO tracked_models").WithArgs("Kia", "EV6").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := repo.SeedModels(context.Background(), []tracker.TrackedModel{
		{Make: "Tesla", Model: "Model 3"},
		{Make: "Kia", Model: "EV6"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedModelsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tracked_models").WithArgs("Tesla", "Model 3").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.SeedModels(context.Background(), []tracker.TrackedModel{{Make: "Tesla", Model: "Model 3"}})
	require.ErrorContains(t, err, "seed model Tesla Model 3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAndGetModels(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, make, model FROM tracked_models ORDER BY lower(make)")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "make", "model"}).
			AddRow(int64(5), "Ford", "Mustang Mach-E").
			AddRow(int64(1), "Tesla", "Model 3"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM tracked_models WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnError(pgx.ErrNoRows)

	models, err := repo.ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, []tracker.TrackedModel{
		{ID: 5, Make: "Ford", Model: "Mustang Mach-E"},
		{ID: 1, Make: "Tesla", Model: "Model 3"},
	}, models)

	_, err = repo.GetModel(context.Background(), 9)
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mock.ExpectExec("INSERT INTO settings").WithArgs("77001", 200).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ON CONFLICT \\(id\\) DO UPDATE").WithArgs("60601", 50).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT zip_code, search_radius FROM settings").
		WillReturnRows(pgxmock.NewRows([]string{"zip_code", "search_radius"}).AddRow("60601", 50))

	ctx := context.Background()
	require.NoError(t, repo.EnsureSettings(ctx, tracker.Settings{ZipCode: "77001", SearchRadius: 200}))
	require.NoError(t, repo.SaveSettings(ctx, tracker.Settings{ZipCode: "60601", SearchRadius: 50}))
	got, err := repo.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, tracker.Settings{ZipCode: "60601", SearchRadius: 50}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastSeen(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	seen := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT max(scraped_at) FROM listings")).
		WithArgs(int64(1), "cargurus", "https://a").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&seen))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT max(scraped_at) FROM listings")).
		WithArgs(int64(1), "cargurus", "https://b").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow((*time.Time)(nil)))

	ctx := context.Background()
	got, found, err := repo.LastSeen(ctx, 1, tracker.SourceCarGurus, "https://a")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Equal(seen))

	_, found, err = repo.LastSeen(ctx, 1, tracker.SourceCarGurus, "https://b")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertListing(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	miles := 18250
	title := "2022 Tesla Model 3"
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	listing := tracker.CanonicalListing{
		ID: "l-1", ModelID: 1, Source: tracker.SourceCarsCom, Price: 31990,
		Mileage: &miles, Title: &title, URL: "https://www.cars.com/vehicledetail/1/", ScrapedAt: at,
	}
	mock.ExpectExec("INSERT INTO listings").
		WithArgs("l-1", int64(1), "cars.com", int64(31990), &miles, (*int)(nil), (*string)(nil), &title, listing.URL, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.InsertListing(context.Background(), listing))
	require.NoError(t, mock.ExpectationsWereMet())
}

func listingRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "model_id", "source", "price", "mileage", "year", "location", "title", "url", "scraped_at"})
}

func TestQueryListingsOrdersWithNullsLast(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	year := 2023
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY year DESC NULLS LAST, id ASC LIMIT $2 OFFSET $3")).
		WithArgs(int64(1), 10, 20).
		WillReturnRows(listingRows().
			AddRow("l-1", int64(1), "autotrader", int64(36000), (*int)(nil), &year, (*string)(nil), (*string)(nil), "https://a", at).
			AddRow("l-2", int64(1), "cargurus", int64(34000), (*int)(nil), (*int)(nil), (*string)(nil), (*string)(nil), "https://b", at))

	got, err := repo.QueryListings(context.Background(), tracker.ListingQuery{
		ModelID: 1, Limit: 10, Offset: 20, SortBy: tracker.SortByYear, SortOrder: tracker.SortDesc,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, tracker.SourceAutotrader, got[0].Source)
	require.Equal(t, 2023, *got[0].Year)
	require.Nil(t, got[1].Year)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryListingsRejectsUnknownSort(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	_, err := repo.QueryListings(context.Background(), tracker.ListingQuery{ModelID: 1, SortBy: "vin"})
	require.ErrorIs(t, err, tracker.ErrInvalidQuery)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListingsBetween(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	mock.ExpectQuery(regexp.QuoteMeta("scraped_at >= $2 AND scraped_at < $3")).
		WithArgs(int64(2), from, to).
		WillReturnRows(listingRows().
			AddRow("l-9", int64(2), "cars.com", int64(30000), (*int)(nil), (*int)(nil), (*string)(nil), (*string)(nil), "https://c", from.Add(time.Hour)))

	got, err := repo.ListingsBetween(context.Background(), 2, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, tracker.SourceCarsCom, got[0].Source)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestModelSummaries(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY model_id")).
		WillReturnRows(pgxmock.NewRows([]string{"model_id", "count", "sum", "max"}).
			AddRow(int64(1), 3, int64(66000), at))

	got, err := repo.ModelSummaries(context.Background())
	require.NoError(t, err)
	require.Equal(t, []tracker.ModelSummary{{ModelID: 1, ListingCount: 3, PriceSum: 66000, LastScrapedAt: at}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateStatements(t *testing.T) {
	t.Parallel()

	mock, repo := newMock(t)
	mileage := int64(31250)
	agg := tracker.DailyAggregate{ModelID: 1, Date: "2026-05-02", AvgPrice: 22000, MinPrice: 20000, MaxPrice: 24000, ListingCount: 3, AvgMileage: &mileage}
	mock.ExpectExec("INSERT INTO daily_aggregates").
		WithArgs(int64(1), "2026-05-02", int64(22000), int64(20000), int64(24000), 3, &mileage).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM daily_aggregates").
		WithArgs(int64(1), "2026-05-03").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM daily_aggregates WHERE model_id = $1 AND date >= $2::date ORDER BY date")).
		WithArgs(int64(1), "2026-04-01").
		WillReturnRows(pgxmock.NewRows([]string{"model_id", "date", "avg_price", "min_price", "max_price", "listing_count", "avg_mileage"}).
			AddRow(int64(1), "2026-05-02", int64(22000), int64(20000), int64(24000), 3, &mileage))

	ctx := context.Background()
	require.NoError(t, repo.UpsertAggregate(ctx, agg))
	require.NoError(t, repo.DeleteAggregate(ctx, 1, "2026-05-03"))
	rows, err := repo.AggregatesSince(ctx, 1, "2026-04-01")
	require.NoError(t, err)
	require.Equal(t, []tracker.DailyAggregate{agg}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
