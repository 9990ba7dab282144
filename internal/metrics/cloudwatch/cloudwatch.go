// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cloudwatch implements metrics.Publisher using AWS CloudWatch.
package cloudwatch

import (
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"golang.org/x/net/http2"
)

// CloudWatch implements metrics.Publisher.
type CloudWatch struct {
	client    *cloudwatch.CloudWatch
	namespace string
}

// Options configures New.
type Options struct {
	Region    string
	Namespace string
}

// Helper struct used for tuning the http connection, matching the timeouts
// recommended by AWS for high-throughput clients inside their own network.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func newHTTPClientWithSettings(s httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: s.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: s.connKeepAlive,
			DualStack: true,
			Timeout:   s.connect,
		}).DialContext,
		MaxIdleConns:          s.maxAllIdleConns,
		IdleConnTimeout:       s.idleConn,
		TLSHandshakeTimeout:   s.tlsHandshake,
		MaxIdleConnsPerHost:   s.maxHostIdleConns,
		ExpectContinueTimeout: s.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

// New connects a CloudWatch client in region o.Region, publishing under
// namespace o.Namespace.
func New(o Options) (*CloudWatch, error) {
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Region:     aws.String(o.Region),
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, err
	}

	return &CloudWatch{
		client:    cloudwatch.New(sess),
		namespace: o.Namespace,
	}, nil
}

// PutCount emits a monotonic counter increment as a CloudWatch metric
// datum with unit Count.
func (c *CloudWatch) PutCount(name string, n int64) error {
	return c.put(name, float64(n), cloudwatch.StandardUnitCount)
}

// PutGauge emits a point-in-time value as a CloudWatch metric datum with
// unit None.
func (c *CloudWatch) PutGauge(name string, v float64) error {
	return c.put(name, v, cloudwatch.StandardUnitNone)
}

func (c *CloudWatch) put(name string, v float64, unit string) error {
	_, err := c.client.PutMetricData(&cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []*cloudwatch.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(v),
				Unit:       aws.String(unit),
				Timestamp:  aws.Time(time.Now()),
			},
		},
	})

	return err
}
