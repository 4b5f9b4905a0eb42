package rpc

import (
	"fmt"

	"github.com/TritonDataCenter/mako-gc-feeder/pkg/api"
	"github.com/TritonDataCenter/mako-gc-feeder/pkg/index"
	"google.golang.org/protobuf/types/known/structpb"
)

// The index speaks JSON-shaped messages, so requests and records are carried
// as google.protobuf.Struct rather than a bespoke schema.
//
// Request:  {"bucket": "manta", "filter": "(&(...)(...))", "limit": 10000,
//            "sort": {"attribute": "_key", "order": "ASC"}, "no_count": true}
// Response: {"bucket": "manta", "key": "/poseidon/stor/manta_gc/mako/..."}

func requestToProto(req index.FindRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"bucket": req.Bucket,
		"filter": req.Filter,
		"limit":  float64(req.Limit),
		"sort": map[string]interface{}{
			"attribute": req.Sort.Attribute,
			"order":     string(req.Sort.Order),
		},
		"no_count": req.NoCount,
	})
}

func requestFromProto(s *structpb.Struct) (index.FindRequest, error) {
	f := s.GetFields()
	req := index.FindRequest{
		Bucket:  f["bucket"].GetStringValue(),
		Filter:  f["filter"].GetStringValue(),
		Limit:   int(f["limit"].GetNumberValue()),
		NoCount: f["no_count"].GetBoolValue(),
	}

	if sort := f["sort"].GetStructValue(); sort != nil {
		sf := sort.GetFields()
		req.Sort = index.Sort{
			Attribute: sf["attribute"].GetStringValue(),
			Order:     index.SortOrder(sf["order"].GetStringValue()),
		}
	}

	if req.Bucket == "" {
		return index.FindRequest{}, fmt.Errorf("missing: bucket")
	}
	if req.Filter == "" {
		return index.FindRequest{}, fmt.Errorf("missing: filter")
	}
	if req.Limit <= 0 {
		return index.FindRequest{}, fmt.Errorf("invalid limit: %d", req.Limit)
	}

	return req, nil
}

func recordToProto(r index.Record) *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"bucket": structpb.NewStringValue(r.Bucket),
			"key":    structpb.NewStringValue(string(r.Key)),
		},
	}
}

func recordFromProto(s *structpb.Struct) (index.Record, error) {
	f := s.GetFields()

	kv, ok := f["key"]
	if !ok {
		return index.Record{}, fmt.Errorf("record without key: %v", s)
	}

	return index.Record{
		Bucket: f["bucket"].GetStringValue(),
		Key:    api.Key(kv.GetStringValue()),
	}, nil
}
