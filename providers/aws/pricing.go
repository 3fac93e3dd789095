package aws

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	log "github.com/sirupsen/logrus"
)

// fallbackRates covers common worker instance types when the Pricing
// API is unavailable (USD per hour, us-east-1 on-demand)
var fallbackRates = map[string]float64{
	"m5.xlarge":   0.192,
	"m5.2xlarge":  0.384,
	"m5.4xlarge":  0.768,
	"c5.2xlarge":  0.340,
	"c5.4xlarge":  0.680,
	"r5.2xlarge":  0.504,
	"p3.2xlarge":  3.060,
	"g4dn.xlarge": 0.526,
}

// regionNames maps region codes to the location names the Pricing API
// filters on
var regionNames = map[string]string{
	"us-east-1": "US East (N. Virginia)",
	"us-east-2": "US East (Ohio)",
	"us-west-1": "US West (N. California)",
	"us-west-2": "US West (Oregon)",
	"eu-west-1": "EU (Ireland)",
}

// HourlyRate returns the on-demand rate for an instance type in the
// client's region, falling back to a static table when the Pricing
// API cannot answer.
func (c *Client) HourlyRate(ctx context.Context, instanceType string) float64 {
	if rate, ok := c.fetchOnDemandRate(ctx, instanceType); ok {
		return rate
	}
	if rate, ok := fallbackRates[instanceType]; ok {
		return rate
	}
	log.WithField("instanceType", instanceType).Warn("No pricing available, assuming zero rate")
	return 0
}

func (c *Client) fetchOnDemandRate(ctx context.Context, instanceType string) (float64, bool) {
	location, ok := regionNames[c.region]
	if !ok {
		return 0, false
	}

	out, err := c.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		MaxResults:  aws.Int32(1),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("location"), Value: aws.String(location)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("capacitystatus"), Value: aws.String("Used")},
		},
	})
	if err != nil || len(out.PriceList) == 0 {
		if err != nil {
			log.WithError(err).Warn("Pricing API query failed")
		}
		return 0, false
	}

	rate, ok := parseOnDemandPrice(out.PriceList[0])
	return rate, ok
}

// parseOnDemandPrice digs the USD hourly price out of a price-list
// document: terms.OnDemand.*.priceDimensions.*.pricePerUnit.USD
func parseOnDemandPrice(doc string) (float64, bool) {
	var product map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &product); err != nil {
		return 0, false
	}

	terms, _ := product["terms"].(map[string]interface{})
	onDemand, _ := terms["OnDemand"].(map[string]interface{})
	for _, term := range onDemand {
		termMap, _ := term.(map[string]interface{})
		dims, _ := termMap["priceDimensions"].(map[string]interface{})
		for _, dim := range dims {
			dimMap, _ := dim.(map[string]interface{})
			prices, _ := dimMap["pricePerUnit"].(map[string]interface{})
			usd, _ := prices["USD"].(string)
			if rate, err := strconv.ParseFloat(usd, 64); err == nil && rate > 0 {
				return rate, true
			}
		}
	}
	return 0, false
}
