package kafka

type Config struct {
	Brokers      []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	OrdersTopic  string   `env:"KAFKA_ORDERS_TOPIC" envDefault:"tradeflow.orders"`
	GroupID      string   `env:"KAFKA_GROUP_ID" envDefault:"tradeflow-ingress"`
	MarketTopic  string   `env:"KAFKA_MARKET_TOPIC" envDefault:"tradeflow.market"`
	MarketBuffer int      `env:"KAFKA_MARKET_BUFFER" envDefault:"1024"`
}
