package exporter_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/exporter"
	"github.com/jrife/grouse/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPExporterServesNewestRecords(t *testing.T) {
	controller := &acks{}
	httpExporter := exporter.NewHTTPExporter("", 2)
	require.NoError(t, httpExporter.Open(exporter.Context{ID: "http", PartitionID: 1, Logger: zaptest.NewLogger(t), Controller: controller}))
	defer httpExporter.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, httpExporter.Export(protocol.Record{
			Position:   protocol.NewPosition(i, 0),
			RecordType: protocol.Event,
			ValueType:  protocol.ValueTypeJob,
			Intent:     protocol.JobCreated,
			Value:      &protocol.JobRecord{Type: "work"},
		}))
	}

	recorder := httptest.NewRecorder()
	httpExporter.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/records.json", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}

	var records []protocol.Record
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &records))

	want := []protocol.Position{protocol.NewPosition(3, 0), protocol.NewPosition(2, 0)}

	if diff := cmp.Diff(want, positions(records)); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]protocol.Position{protocol.NewPosition(1, 0), protocol.NewPosition(2, 0), protocol.NewPosition(3, 0)}, controller.positions); diff != "" {
		t.Fatalf("unexpected acknowledgements (-want +got):\n%s", diff)
	}
}

func TestNewHTTPExporterRejectsBadLimit(t *testing.T) {
	_, err := exporter.New(exporter.Descriptor{ID: "http", Kind: "http", Args: map[string]string{"limit": "many"}})

	if err == nil {
		t.Fatalf("expected an error for a non-numeric limit")
	}
}

func TestHTTPExporterKeepsNewestOutOfOrder(t *testing.T) {
	testCases := map[string]struct {
		limit    int
		indexes  []uint64
		expected []protocol.Position
	}{
		"bounded": {
			limit:    2,
			indexes:  []uint64{5, 1, 7, 3},
			expected: []protocol.Position{protocol.NewPosition(7, 0), protocol.NewPosition(5, 0)},
		},
		"unbounded": {
			limit:    0,
			indexes:  []uint64{2, 1, 3},
			expected: []protocol.Position{protocol.NewPosition(3, 0), protocol.NewPosition(2, 0), protocol.NewPosition(1, 0)},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			httpExporter := exporter.NewHTTPExporter("", testCase.limit)
			require.NoError(t, httpExporter.Open(exporter.Context{ID: "http", PartitionID: 1, Logger: zaptest.NewLogger(t), Controller: &acks{}}))
			defer httpExporter.Close()

			for _, index := range testCase.indexes {
				require.NoError(t, httpExporter.Export(protocol.Record{Position: protocol.NewPosition(index, 0), RecordType: protocol.Event, ValueType: protocol.ValueTypeJob, Intent: protocol.JobCreated, Value: &protocol.JobRecord{}}))
			}

			if diff := cmp.Diff(testCase.expected, positions(httpExporter.Records())); diff != "" {
				t.Fatalf("unexpected records (-want +got):\n%s", diff)
			}
		})
	}
}
